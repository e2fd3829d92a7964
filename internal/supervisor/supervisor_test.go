package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/homepulse/internal/config"
	"github.com/nugget/homepulse/internal/connwatch"
	"github.com/nugget/homepulse/internal/metrics"
	"github.com/nugget/homepulse/internal/pipeline"
)

func testSupervisor() *Supervisor {
	return New(config.Default(), nil)
}

func TestStartRestartsPanickingComponent(t *testing.T) {
	s := testSupervisor()
	fatal := make(chan error, 1)

	var runs atomic.Int64
	c := s.start("flaky", true, func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}, fatal)

	deadline := time.Now().Add(10 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("component restarted %d times, want 3 runs", runs.Load())
	}

	select {
	case err := <-fatal:
		t.Fatalf("restartable panic escalated to fatal: %v", err)
	default:
	}
	if s.restarts.Value() != 2 {
		t.Errorf("restart counter = %d, want 2", s.restarts.Value())
	}

	s.stop(c, time.Now().Add(5*time.Second))
	select {
	case <-c.done:
	default:
		t.Error("component not stopped")
	}
}

func TestStartPanicWithoutRestartIsFatal(t *testing.T) {
	s := testSupervisor()
	fatal := make(chan error, 1)

	s.start("writer", false, func(ctx context.Context) error {
		panic("corrupt state")
	}, fatal)

	select {
	case err := <-fatal:
		var perr *panicError
		if !errors.As(err, &perr) {
			t.Errorf("fatal error %v is not a panicError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic did not reach the fatal channel")
	}
}

func TestStartErrorReturnIsFatal(t *testing.T) {
	s := testSupervisor()
	fatal := make(chan error, 1)
	sentinel := errors.New("token rejected")

	s.start("connector", true, func(ctx context.Context) error {
		return sentinel
	}, fatal)

	select {
	case err := <-fatal:
		if !errors.Is(err, sentinel) {
			t.Errorf("fatal = %v, want wrapped sentinel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error return did not reach the fatal channel")
	}
}

func TestBuildFilters(t *testing.T) {
	cfg := config.Default()
	cfg.Router.Domains = []string{"sensor"}
	cfg.Router.EntityGlobs = []string{"sensor.power_*"}
	cfg.Router.MinInterval = time.Second
	s := New(cfg, nil)

	filters := s.buildFilters()
	names := make([]string, 0, len(filters))
	for _, f := range filters {
		names = append(names, f.Name())
	}
	want := []string{"unavailable", "domain", "entity_glob", "rate_limit"}
	if len(names) != len(want) {
		t.Fatalf("filters = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("filter %d = %s, want %s", i, names[i], want[i])
		}
	}

	// With nothing configured only the unavailable filter remains.
	if got := New(config.Default(), nil).buildFilters(); len(got) != 1 || got[0].Name() != "unavailable" {
		t.Errorf("default filters = %v", got)
	}

	// The chain must always pass enrichment events untouched.
	enrich := pipeline.NormalizedEvent{Kind: "weather", Fields: map[string]any{"t": 1.0}}
	for _, f := range filters {
		if !f.Allow(enrich) {
			t.Errorf("filter %s blocks enrichment events", f.Name())
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Counter("writer_points_written").Add(42)
	watch := connwatch.NewManager(nil, nil, reg)

	ready := true
	h := newHealthServer(0, reg, watch,
		func() string { return "streaming" },
		func() (bool, string) {
			if ready {
				return true, ""
			}
			return false, "connector backoff"
		},
		nil,
	)

	rec := httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("/health = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if body["connector_state"] != "streaming" || body["status"] != "ok" {
		t.Errorf("/health body = %v", body)
	}

	rec = httptest.NewRecorder()
	h.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 {
		t.Errorf("/ready = %d while ready", rec.Code)
	}

	ready = false
	rec = httptest.NewRecorder()
	h.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Errorf("/ready = %d while not ready, want 503", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["reason"] != "connector backoff" {
		t.Errorf("reason = %v", body["reason"])
	}

	rec = httptest.NewRecorder()
	h.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["writer_points_written"] != 42.0 {
		t.Errorf("metrics snapshot = %v", body)
	}
}

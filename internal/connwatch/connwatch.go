// Package connwatch tracks the reachability of the pipeline's external
// dependencies (Home Assistant's REST API, the time-series store).
// Reachability here is advisory: the connector and batch writer have
// their own retry machinery, and connwatch feeds the health endpoint
// and logs rather than gating data flow.
//
// Each Watcher probes one service in two phases: startup backoff
// (2s, 4s, ... capped at 60s, bounded attempts), then steady-state
// polling with transition callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry (default 2s).
	InitialDelay time.Duration
	// MaxDelay ceils backoff growth (default 60s).
	MaxDelay time.Duration
	// StartupAttempts bounds the startup phase (default 10).
	StartupAttempts int
	// PollInterval is the steady-state cadence (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds one probe call (default 10s).
	ProbeTimeout time.Duration
}

func (s Schedule) withDefaults() Schedule {
	if s.InitialDelay <= 0 {
		s.InitialDelay = 2 * time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 60 * time.Second
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = 10
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 60 * time.Second
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 10 * time.Second
	}
	return s
}

// ServiceStatus is one service's health, shaped for the health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	logger   *slog.Logger
	bus      *events.Bus
	gauge    *metrics.Gauge

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns the current health snapshot.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Startup: back off exponentially until the service answers or the
	// attempt budget runs out, then fall through to polling either way.
	delay := w.schedule.InitialDelay
	for attempt := 1; attempt <= w.schedule.StartupAttempts; attempt++ {
		if w.check(ctx) {
			w.logger.Info("dependency reachable", "service", w.name, "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == w.schedule.StartupAttempts {
			w.logger.Warn("dependency unreachable at startup, continuing to poll",
				"service", w.name,
				"attempts", attempt,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > w.schedule.MaxDelay {
			delay = w.schedule.MaxDelay
		}
	}

	ticker := time.NewTicker(w.schedule.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and handles state transitions. Returns the
// resulting readiness.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()

	w.mu.Lock()
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	was := w.ready.Load()
	now := err == nil
	w.ready.Store(now)
	if now {
		w.gauge.Set(1)
	} else {
		w.gauge.Set(0)
	}

	switch {
	case was && !now:
		w.logger.Warn("dependency became unreachable", "service", w.name, "error", err)
		w.bus.Publish(events.Event{
			Source: events.SourceSupervisor,
			Kind:   events.KindStateChange,
			Data:   map[string]any{"service": w.name, "to": "down", "error": err.Error()},
		})
	case !was && now && !first:
		w.logger.Info("dependency recovered", "service", w.name)
		w.bus.Publish(events.Event{
			Source: events.SourceSupervisor,
			Kind:   events.KindStateChange,
			Data:   map[string]any{"service": w.name, "to": "up"},
		})
	case !was && !now:
		w.logger.Debug("dependency still unreachable", "service", w.name, "error", err)
	}
	return now
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the set of dependency watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Registry
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger, bus *events.Bus, reg *metrics.Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
		bus:      bus,
		metrics:  reg,
	}
}

// Watch registers and starts a watcher. Panics on a missing name or
// probe; those are wiring bugs, not runtime conditions.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) *Watcher {
	if name == "" {
		panic("connwatch: watcher name must not be empty")
	}
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		logger:   m.logger,
		bus:      m.bus,
		gauge:    m.metrics.Gauge("dependency_" + name + "_up"),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down all watchers and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}

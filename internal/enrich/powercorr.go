package enrich

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/homepulse/internal/homeassistant"
	"github.com/nugget/homepulse/internal/pipeline"
)

// StatesProvider supplies current entity states. *homeassistant.Client
// satisfies it.
type StatesProvider interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// PowerCorrConfig configures the power-correlation fetcher.
type PowerCorrConfig struct {
	// Interval is the sampling cadence (default 1m).
	Interval time.Duration
	// WindowSamples is the rolling window length per sensor (default 30).
	WindowSamples int
	// EntityGlob selects the sensors to sample (default "sensor.*power*").
	EntityGlob string
	// MinSamples is how much window is needed before correlating
	// (default 5).
	MinSamples int
}

// PowerCorr samples power sensors and computes pairwise Pearson
// correlations over a rolling window. Strongly correlated sensors
// usually mean one circuit measured twice or appliances on a shared
// schedule; either is worth seeing on a dashboard.
type PowerCorr struct {
	cfg    PowerCorrConfig
	states StatesProvider

	mu      sync.Mutex
	windows map[string][]float64
}

// NewPowerCorr creates the power-correlation fetcher sampling from
// states.
func NewPowerCorr(states StatesProvider, cfg PowerCorrConfig) *PowerCorr {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WindowSamples <= 0 {
		cfg.WindowSamples = 30
	}
	if cfg.EntityGlob == "" {
		cfg.EntityGlob = "sensor.*power*"
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	return &PowerCorr{
		cfg:     cfg,
		states:  states,
		windows: make(map[string][]float64),
	}
}

func (p *PowerCorr) Kind() string            { return "power_correlation" }
func (p *PowerCorr) Interval() time.Duration { return p.cfg.Interval }

// Fetch samples matching sensors into the rolling windows and emits one
// event per sensor pair with enough shared history.
func (p *PowerCorr) Fetch(ctx context.Context) ([]pipeline.NormalizedEvent, error) {
	states, err := p.states.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample states: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range states {
		if ok, _ := path.Match(p.cfg.EntityGlob, st.EntityID); !ok {
			continue
		}
		v, err := strconv.ParseFloat(st.State, 64)
		if err != nil {
			continue
		}
		win := append(p.windows[st.EntityID], v)
		if len(win) > p.cfg.WindowSamples {
			win = win[len(win)-p.cfg.WindowSamples:]
		}
		p.windows[st.EntityID] = win
	}

	entities := make([]string, 0, len(p.windows))
	for id, win := range p.windows {
		if len(win) >= p.cfg.MinSamples {
			entities = append(entities, id)
		}
	}
	sort.Strings(entities)

	now := time.Now()
	var out []pipeline.NormalizedEvent
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			n := len(p.windows[a])
			if len(p.windows[b]) < n {
				n = len(p.windows[b])
			}
			r, ok := pearson(tail(p.windows[a], n), tail(p.windows[b], n))
			if !ok {
				continue
			}
			pairKey := a + "|" + b
			out = append(out, pipeline.NormalizedEvent{
				EntityID: "sensor.power_correlation",
				Domain:   "sensor",
				Kind:     "power_correlation",
				Tags: map[string]string{
					"entity_a": a,
					"entity_b": b,
				},
				Fields: map[string]any{
					"correlation": r,
					"samples":     int64(n),
				},
				SourceTime:    now,
				Received:      now,
				CorrelationID: pipeline.CorrelationID(pairKey, now),
			})
		}
	}
	return out, nil
}

func tail(s []float64, n int) []float64 {
	return s[len(s)-n:]
}

// pearson computes the correlation coefficient of two equal-length
// series. ok is false for degenerate input (too short, or a constant
// series with zero variance).
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}

// Package enrich runs the periodic enrichment workers: fetchers that
// pull context from outside the event stream (weather, cross-sensor
// power correlation) and inject the results into the pipeline as
// synthetic events. Enrichment is strictly best-effort: a failing
// fetcher logs and retries next tick, and its events are the first to
// be dropped when the intake queue is full.
package enrich

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
	"github.com/nugget/homepulse/internal/pipeline"
)

// Fetcher is one periodic enrichment source.
type Fetcher interface {
	// Kind names the fetcher; it becomes the measurement of its points.
	Kind() string
	// Interval is the tick cadence.
	Interval() time.Duration
	// Fetch produces zero or more enrichment events. Errors are
	// reported and the tick is abandoned; state is kept for next time.
	Fetch(ctx context.Context) ([]pipeline.NormalizedEvent, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// Scheduler drives one goroutine per fetcher. Each runs on its own
// jittered cadence, isolated from the others: a hung weather API cannot
// delay power sampling.
type Scheduler struct {
	cfg      SchedulerConfig
	fetchers []Fetcher
	queue    *pipeline.Queue
	logger   *slog.Logger
}

// NewScheduler creates a scheduler feeding queue. Fetchers with a
// non-positive interval are rejected by Run.
func NewScheduler(queue *pipeline.Queue, fetchers []Fetcher, cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		fetchers: fetchers,
		queue:    queue,
		logger:   cfg.Logger,
	}
}

// Run ticks every fetcher until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, f := range s.fetchers {
		if f.Interval() <= 0 {
			s.logger.Warn("skipping fetcher with no interval", "kind", f.Kind())
			continue
		}
		wg.Add(1)
		go func(f Fetcher) {
			defer wg.Done()
			s.runFetcher(ctx, f)
		}(f)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runFetcher(ctx context.Context, f Fetcher) {
	fetches := s.cfg.Metrics.Counter("enrich_" + f.Kind() + "_fetches")
	failures := s.cfg.Metrics.Counter("enrich_" + f.Kind() + "_failures")
	emitted := s.cfg.Metrics.Counter("enrich_" + f.Kind() + "_events")
	skipped := s.cfg.Metrics.Counter("enrich_" + f.Kind() + "_ticks_skipped")

	// Staggered start so every fetcher doesn't fire at process boot.
	if !sleepCtx(ctx, time.Duration(rand.Int63n(int64(f.Interval()/10)+1))) {
		return
	}

	ticker := time.NewTicker(f.Interval())
	defer ticker.Stop()

	tick := func() {
		fetches.Inc()
		evs, err := f.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures.Inc()
			s.logger.Warn("enrichment fetch failed", "kind", f.Kind(), "error", err)
			s.cfg.Bus.Publish(events.Event{
				Source: events.SourceEnrich,
				Kind:   events.KindFetchFailed,
				Data:   map[string]any{"kind": f.Kind(), "error": err.Error()},
			})
			return
		}
		for _, ev := range evs {
			s.queue.EnqueueEvict(ev)
		}
		emitted.Add(int64(len(evs)))
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
			// A fetch that overran its interval leaves a stale tick
			// queued; running it immediately would double-fire.
			select {
			case <-ticker.C:
				skipped.Inc()
				s.cfg.Bus.Publish(events.Event{
					Source: events.SourceEnrich,
					Kind:   events.KindTickSkipped,
					Data:   map[string]any{"kind": f.Kind()},
				})
			default:
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

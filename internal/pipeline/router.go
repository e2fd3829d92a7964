package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
	"github.com/nugget/homepulse/internal/tsdb"
)

// Sink receives the points a router worker produces. *tsdb.BatchWriter
// satisfies it.
type Sink interface {
	Write(ctx context.Context, pts ...tsdb.Point) error
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Workers is the number of hash-partitioned workers (default 4).
	// Events for the same entity always land on the same worker, which
	// preserves per-entity ordering end to end.
	Workers int
	// Filters run in order; the first rejection drops the event.
	Filters []Filter
	// Transforms run in order over the accumulated point slice. Nil
	// means DefaultTransforms.
	Transforms []Transform
	// DrainTimeout bounds the shutdown drain (default 10s).
	DrainTimeout time.Duration

	Sink    Sink
	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// Router consumes the intake queue and fans events out to its workers.
type Router struct {
	cfg    RouterConfig
	queue  *Queue
	logger *slog.Logger

	received     *metrics.Counter
	filtered     []*metrics.Counter
	emitted      *metrics.Counter
	failures     *metrics.Counter
	unclaimed    *metrics.Counter
	abandoned    *metrics.Counter
	routeLatency *metrics.Histogram
}

// NewRouter creates a router reading from queue. Run must be called to
// start the workers.
func NewRouter(queue *Queue, cfg RouterConfig) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Transforms == nil {
		cfg.Transforms = DefaultTransforms()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Router{
		cfg:    cfg,
		queue:  queue,
		logger: cfg.Logger,

		received:     cfg.Metrics.Counter("router_events_received"),
		emitted:      cfg.Metrics.Counter("router_points_emitted"),
		failures:     cfg.Metrics.Counter("router_transform_failures"),
		unclaimed:    cfg.Metrics.Counter("router_events_unclaimed"),
		abandoned:    cfg.Metrics.Counter("router_drain_abandoned"),
		routeLatency: cfg.Metrics.Histogram("router_process_latency"),
	}
	for _, f := range cfg.Filters {
		r.filtered = append(r.filtered, cfg.Metrics.Counter("router_filtered_"+f.Name()))
	}
	return r
}

// Run dispatches until ctx is cancelled, then drains the intake queue
// through the workers before returning. Sink writes during the drain
// run under a fresh deadline so queued data still reaches the store.
func (r *Router) Run(ctx context.Context) error {
	// Workers outlive ctx by the drain window: their sink writes use
	// lifeCtx, which is cancelled only after the drain finishes or
	// times out.
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	defer lifeCancel()

	chans := make([]chan NormalizedEvent, r.cfg.Workers)
	var wg sync.WaitGroup
	for i := range chans {
		chans[i] = make(chan NormalizedEvent, 64)
		wg.Add(1)
		go func(ch <-chan NormalizedEvent) {
			defer wg.Done()
			for ev := range ch {
				r.process(lifeCtx, ev)
			}
		}(chans[i])
	}

	route := func(ev NormalizedEvent) {
		chans[r.partition(ev)] <- ev
	}

	for {
		ev, ok := r.queue.Dequeue(ctx)
		if !ok {
			break
		}
		route(ev)
	}

	// Shutdown: everything already queued still gets routed, bounded by
	// the drain timeout.
	drainTimer := time.AfterFunc(r.cfg.DrainTimeout, lifeCancel)
	defer drainTimer.Stop()

	for {
		ev, ok := r.queue.TryDequeue()
		if !ok {
			break
		}
		if lifeCtx.Err() != nil {
			// Deadline expired with events still queued. They are lost;
			// account for every one of them.
			dropped := 1
			for {
				if _, ok := r.queue.TryDequeue(); !ok {
					break
				}
				dropped++
			}
			r.abandon(dropped, "entity "+ev.EntityID+" and later")
			break
		}
		route(ev)
	}
	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	return nil
}

// abandon records events or points lost to the drain deadline, so the
// dead-letter accounting stays exact even on a forced shutdown.
func (r *Router) abandon(count int, detail string) {
	r.abandoned.Add(int64(count))
	r.logger.Warn("drain deadline expired, events lost", "count", count, "detail", detail)
	r.cfg.Bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindDeadLetter,
		Data:   map[string]any{"reason": "drain:timeout", "count": count},
	})
}

// partition maps an event to a worker index. Keyed by entity ID so one
// entity's events are totally ordered; enrichment events without an
// entity key on their kind.
func (r *Router) partition(ev NormalizedEvent) int {
	key := ev.EntityID
	if key == "" {
		key = ev.Kind
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(r.cfg.Workers))
}

func (r *Router) process(ctx context.Context, ev NormalizedEvent) {
	r.received.Inc()
	defer func(start time.Time) { r.routeLatency.Observe(time.Since(start)) }(time.Now())

	for i, f := range r.cfg.Filters {
		if !f.Allow(ev) {
			r.filtered[i].Inc()
			return
		}
	}

	var pts []tsdb.Point
	var err error
	for _, t := range r.cfg.Transforms {
		pts, err = t.Apply(ev, pts)
		if err != nil {
			r.failures.Inc()
			r.logger.Warn("transform failed",
				"transform", t.Name(),
				"entity_id", ev.EntityID,
				"error", err,
			)
			r.cfg.Bus.Publish(events.Event{
				Source: events.SourceRouter,
				Kind:   events.KindDeadLetter,
				Data:   map[string]any{"reason": "transform:" + t.Name(), "count": 1, "entity_id": ev.EntityID},
			})
			return
		}
	}
	if len(pts) == 0 {
		r.unclaimed.Inc()
		return
	}

	if err := r.cfg.Sink.Write(ctx, pts...); err != nil {
		// Only happens when the drain deadline expires mid-write.
		r.abandon(len(pts), "entity "+ev.EntityID)
		return
	}
	r.emitted.Add(int64(len(pts)))
}

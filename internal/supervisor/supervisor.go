// Package supervisor owns the pipeline lifecycle: it wires the
// components together, starts them in dependency order, watches for
// failures, and drains everything in reverse order at shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nugget/homepulse/internal/buildinfo"
	"github.com/nugget/homepulse/internal/config"
	"github.com/nugget/homepulse/internal/connwatch"
	"github.com/nugget/homepulse/internal/enrich"
	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/homeassistant"
	"github.com/nugget/homepulse/internal/metastore"
	"github.com/nugget/homepulse/internal/metrics"
	"github.com/nugget/homepulse/internal/mqtt"
	"github.com/nugget/homepulse/internal/pipeline"
	"github.com/nugget/homepulse/internal/tsdb"
)

// Supervisor assembles and runs the whole pipeline.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	reg    *metrics.Registry

	restarts *metrics.Counter
}

// New creates a supervisor for the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	reg := metrics.NewRegistry()
	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		reg:      reg,
		restarts: reg.Counter("supervisor_component_restarts"),
	}
}

// Bus returns the operational event bus, for callers that want to
// observe the pipeline (tests, debug tooling).
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// component is one supervised goroutine.
type component struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// panicError marks a component failure that came from a recover, so
// the supervisor can apply its restart policy.
type panicError struct {
	component string
	value     any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.component, e.value)
}

// start launches run under its own context. Components whose work is
// re-creatable (connector, enrichment) are restarted after a panic;
// components that hold queued data (router, writer, synchronizer) are
// not, because a panic there means data loss is already possible and
// the safest move is a clean abort and restart of the whole process.
func (s *Supervisor) start(name string, restartOnPanic bool, run func(context.Context) error, fatal chan<- error) *component {
	ctx, cancel := context.WithCancel(context.Background())
	c := &component{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		for {
			err := runRecovering(name, run, ctx)
			if perr, ok := err.(*panicError); ok && restartOnPanic && ctx.Err() == nil {
				s.restarts.Inc()
				s.logger.Error("component panicked, restarting", "component", name, "panic", perr.value)
				s.bus.Publish(events.Event{
					Source: events.SourceSupervisor,
					Kind:   events.KindComponentRestarted,
					Data:   map[string]any{"component": name},
				})
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
			if err != nil {
				c.err = err
				select {
				case fatal <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
			return
		}
	}()
	return c
}

func runRecovering(name string, run func(context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{component: name, value: r}
		}
	}()
	return run(ctx)
}

// stop cancels a component and waits for it, bounded by the shared
// shutdown deadline.
func (s *Supervisor) stop(c *component, deadline time.Time) {
	if c == nil {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(time.Until(deadline)):
		s.logger.Warn("component did not stop before deadline", "component", c.name)
	}
}

// Run builds the pipeline, starts it, and blocks until ctx is cancelled
// or a component fails fatally. The return value is nil for a clean
// shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.cfg
	s.logger.Info("starting", "version", buildinfo.Version)

	// Storage first: nothing downstream can run without the catalog.
	store, err := metastore.Open(cfg.Metadata.DBPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	sync := metastore.NewSynchronizer(store, metastore.SynchronizerConfig{
		CoalesceWindow: cfg.Metadata.CoalesceWindow,
		Logger:         s.logger,
		Bus:            s.bus,
		Metrics:        s.reg,
	})

	tsdbClient := tsdb.NewClient(tsdb.ClientConfig{
		URL:     cfg.TSDB.URL,
		Token:   cfg.TSDB.Token,
		Org:     cfg.TSDB.Org,
		Bucket:  cfg.TSDB.Bucket,
		Timeout: cfg.TSDB.FlushTimeout,
		Logger:  s.logger,
	})
	writer := tsdb.NewBatchWriter(tsdbClient, tsdb.BatchWriterConfig{
		MaxBatchSize:    cfg.TSDB.BatchSize,
		MaxBatchAge:     cfg.TSDB.FlushInterval,
		RetryBufferSize: cfg.TSDB.RetryBufferBatches,
		Logger:          s.logger,
		Bus:             s.bus,
		Metrics:         s.reg,
	})

	queue := pipeline.NewQueue(cfg.Router.QueueCapacity, s.bus, s.reg)
	router := pipeline.NewRouter(queue, pipeline.RouterConfig{
		Workers: cfg.Router.Workers,
		Filters: s.buildFilters(),
		Sink:    writer,
		Logger:  s.logger,
		Bus:     s.bus,
		Metrics: s.reg,
	})

	haClient := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, s.logger)
	connector := homeassistant.NewConnector(homeassistant.ConnectorConfig{
		BaseURL:        cfg.HomeAssistant.URL,
		Token:          cfg.HomeAssistant.Token,
		ReconnectBase:  cfg.HomeAssistant.ReconnectDelay,
		ConnectTimeout: cfg.HomeAssistant.ConnectionTimeout,
		Heartbeat:      cfg.HomeAssistant.HeartbeatInterval,
		Emit:           pipeline.NewIntake(queue, sync, s.logger, s.bus, s.reg),
		OnRegistry:     sync.ObserveRegistry,
		Logger:         s.logger,
		Bus:            s.bus,
		Metrics:        s.reg,
	})

	// Dependency reachability is advisory: the pipeline starts even
	// when the store is down, and the watchers feed /health.
	watch := connwatch.NewManager(s.logger, s.bus, s.reg)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	watch.Watch(watchCtx, "homeassistant", haClient.Ping, connwatch.Schedule{})
	watch.Watch(watchCtx, "tsdb", tsdbClient.Ping, connwatch.Schedule{})

	var fetchers []enrich.Fetcher
	if cfg.Enrichment.Weather.Configured() {
		weather := cfg.Enrichment.Weather
		if weather.Latitude == 0 && weather.Longitude == 0 {
			// No coordinates configured; borrow the instance's.
			cfgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if instance, err := haClient.GetConfig(cfgCtx); err != nil {
				s.logger.Warn("could not read instance coordinates for weather", "error", err)
			} else {
				weather.Latitude = instance.Latitude
				weather.Longitude = instance.Longitude
				s.logger.Info("weather coordinates from instance config",
					"location", instance.LocationName,
					"latitude", instance.Latitude,
					"longitude", instance.Longitude,
				)
			}
			cancel()
		}
		fetchers = append(fetchers, enrich.NewWeather(enrich.WeatherConfig{
			URL:       weather.URL,
			APIKey:    weather.APIKey,
			Latitude:  weather.Latitude,
			Longitude: weather.Longitude,
			Interval:  weather.Interval,
			CacheTTL:  weather.CacheTTL,
			Timeout:   weather.Timeout,
			Logger:    s.logger,
		}))
	}
	if cfg.Enrichment.Power.Enabled {
		fetchers = append(fetchers, enrich.NewPowerCorr(haClient, enrich.PowerCorrConfig{
			Interval:      cfg.Enrichment.Power.Interval,
			WindowSamples: cfg.Enrichment.Power.WindowSamples,
			EntityGlob:    cfg.Enrichment.Power.EntityGlob,
		}))
	}
	scheduler := enrich.NewScheduler(queue, fetchers, enrich.SchedulerConfig{
		Logger:  s.logger,
		Bus:     s.bus,
		Metrics: s.reg,
	})

	health := newHealthServer(cfg.HealthPort, s.reg, watch,
		func() string { return connector.State().String() },
		s.readiness(connector, writer),
		s.logger,
	)
	if err := health.start(); err != nil {
		return err
	}

	// Start order is dependency order: consumers before producers, so
	// no event ever has nowhere to go.
	fatal := make(chan error, 8)
	writerComp := s.start("writer", false, writer.Run, fatal)
	routerComp := s.start("router", false, router.Run, fatal)
	syncComp := s.start("synchronizer", false, sync.Run, fatal)
	var enrichComp *component
	if len(fetchers) > 0 {
		enrichComp = s.start("enrichment", true, scheduler.Run, fatal)
	}
	connectorComp := s.start("connector", true, connector.Run, fatal)

	var mqttPub *mqtt.Publisher
	var mqttComp *component
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(filepath.Dir(cfg.Metadata.DBPath))
		if err != nil {
			s.logger.Warn("mqtt disabled: no instance id", "error", err)
		} else {
			mqttPub = mqtt.New(cfg.MQTT, instanceID, &mqttStats{connector: connector, writer: writer, queue: queue}, s.logger)
			pub := mqttPub
			mqttComp = s.start("mqtt", true, func(ctx context.Context) error {
				if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
					// Status sensors are never worth killing telemetry for.
					s.logger.Warn("mqtt publisher stopped", "error", err)
				}
				return nil
			}, fatal)
		}
	}

	s.logger.Info("pipeline running",
		"ha_url", cfg.HomeAssistant.URL,
		"tsdb_url", cfg.TSDB.URL,
		"workers", cfg.Router.Workers,
	)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case runErr = <-fatal:
		s.logger.Error("component failed, shutting down", "error", runErr)
	}

	// Reverse order: stop the source first so the queue only shrinks,
	// then let each stage drain into the next before stopping it.
	deadline := time.Now().Add(cfg.ShutdownDeadline())
	s.stop(connectorComp, deadline)
	s.stop(enrichComp, deadline)
	s.stop(mqttComp, deadline)
	s.stop(routerComp, deadline)
	s.stop(writerComp, deadline)
	s.stop(syncComp, deadline)

	if mqttPub != nil {
		stopCtx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := mqttPub.Stop(stopCtx); err != nil {
			s.logger.Debug("mqtt disconnect", "error", err)
		}
		cancel()
	}
	watchCancel()
	watch.Stop()

	healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := health.shutdown(healthCtx); err != nil {
		s.logger.Debug("health server shutdown", "error", err)
	}

	s.logger.Info("shutdown complete")
	return runErr
}

// buildFilters assembles the router filter chain from configuration.
// The unavailable-state filter always runs; the rest are opt-in.
func (s *Supervisor) buildFilters() []pipeline.Filter {
	filters := []pipeline.Filter{pipeline.UnavailableFilter{}}
	if len(s.cfg.Router.Domains) > 0 {
		filters = append(filters, pipeline.NewDomainFilter(s.cfg.Router.Domains))
	}
	if len(s.cfg.Router.EntityGlobs) > 0 {
		filters = append(filters, pipeline.NewGlobFilter(s.cfg.Router.EntityGlobs))
	}
	if s.cfg.Router.MinInterval > 0 {
		filters = append(filters, pipeline.NewRateLimitFilter(s.cfg.Router.MinInterval))
	}
	return filters
}

// readiness gates /ready on the two things that matter: the event
// stream is live, and writes are landing. A quiet writer with an empty
// retry buffer is healthy; a writer that has not flushed within twice
// the batch age while holding retries is not.
func (s *Supervisor) readiness(connector *homeassistant.Connector, writer *tsdb.BatchWriter) readinessFunc {
	maxAge := s.cfg.TSDB.FlushInterval
	return func() (bool, string) {
		if state := connector.State(); state != homeassistant.StateStreaming {
			return false, "connector " + state.String()
		}
		if writer.RetryDepth() > 0 {
			last := writer.LastFlush()
			if last.IsZero() || time.Since(last) > 2*maxAge {
				return false, "store writes failing"
			}
		}
		return true, ""
	}
}

// mqttStats adapts live pipeline figures to the status publisher.
type mqttStats struct {
	connector *homeassistant.Connector
	writer    *tsdb.BatchWriter
	queue     *pipeline.Queue
}

func (m *mqttStats) ConnectorState() string { return m.connector.State().String() }
func (m *mqttStats) PointsWritten() int64   { return m.writer.PointsWritten() }
func (m *mqttStats) DeadLettered() int64    { return m.writer.DeadLettered() }
func (m *mqttStats) QueueDepth() int        { return m.queue.Len() }
func (m *mqttStats) Uptime() time.Duration  { return buildinfo.Uptime() }
func (m *mqttStats) Version() string        { return buildinfo.Version }

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

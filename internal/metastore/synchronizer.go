package metastore

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/homeassistant"
	"github.com/nugget/homepulse/internal/metrics"
	"github.com/nugget/homepulse/internal/pipeline"
)

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// CoalesceWindow groups observations arriving within this window
	// into one transaction (default 1s). A burst of 500 state changes
	// becomes one commit, not 500.
	CoalesceWindow time.Duration
	// CommitTimeout bounds a single transaction (default 10s).
	CommitTimeout time.Duration

	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// Synchronizer keeps the catalog current from two inputs: the registry
// sweep after each connection, and the live event stream. Observations
// are merged into pending maps and committed by a single writer
// goroutine, so concurrent observers never touch the database.
type Synchronizer struct {
	cfg    SynchronizerConfig
	store  *Store
	logger *slog.Logger

	mu              sync.Mutex
	pendingDevices  map[string]DeviceUpsert
	pendingEntities map[string]EntityUpsert
	wake            chan struct{}

	observed *metrics.Counter
	commits  *metrics.Counter
	failures *metrics.Counter
	pending  *metrics.Gauge
}

// NewSynchronizer creates a synchronizer writing to store. Run must be
// called to start the writer goroutine.
func NewSynchronizer(store *Store, cfg SynchronizerConfig) *Synchronizer {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synchronizer{
		cfg:             cfg,
		store:           store,
		logger:          cfg.Logger,
		pendingDevices:  make(map[string]DeviceUpsert),
		pendingEntities: make(map[string]EntityUpsert),
		wake:            make(chan struct{}, 1),

		observed: cfg.Metrics.Counter("metadata_observations"),
		commits:  cfg.Metrics.Counter("metadata_commits"),
		failures: cfg.Metrics.Counter("metadata_commit_failures"),
		pending:  cfg.Metrics.Gauge("metadata_pending_upserts"),
	}
}

// ObserveEvent learns entity metadata from a normalized stream event.
// Never blocks beyond a map insert.
func (s *Synchronizer) ObserveEvent(ev pipeline.NormalizedEvent) {
	if ev.Kind != pipeline.KindStateChange {
		return
	}
	up := EntityUpsert{
		EntityID: ev.EntityID,
		Domain:   ev.Domain,
		Seen:     ev.SourceTime,
	}
	if v, ok := ev.Attributes["friendly_name"].(string); ok {
		up.FriendlyName = v
	}
	if v, ok := ev.Attributes["unit_of_measurement"].(string); ok {
		up.Unit = v
	}
	s.addEntity(up)
}

// ObserveRegistry ingests a registry sweep. Matches the connector's
// OnRegistry callback signature.
func (s *Synchronizer) ObserveRegistry(devices []homeassistant.DeviceRegistryEntry, entities []homeassistant.EntityRegistryEntry) {
	now := time.Now()
	for _, d := range devices {
		s.addDevice(DeviceUpsert{
			ID:           d.ID,
			Name:         d.DisplayName(),
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			SWVersion:    d.SWVersion,
			AreaID:       d.AreaID,
			Seen:         now,
		})
	}
	for _, e := range entities {
		domain, _ := homeassistant.SplitEntityID(e.EntityID)
		if domain == "" {
			continue
		}
		s.addEntity(EntityUpsert{
			EntityID: e.EntityID,
			Domain:   domain,
			DeviceID: e.DeviceID,
			Platform: e.Platform,
			AreaID:   e.AreaID,
			Disabled: e.IsDisabled(),
			Seen:     now,
		})
	}
}

func (s *Synchronizer) addDevice(up DeviceUpsert) {
	s.observed.Inc()
	s.mu.Lock()
	s.pendingDevices[up.ID] = mergeDevice(s.pendingDevices[up.ID], up)
	s.pending.Set(int64(len(s.pendingDevices) + len(s.pendingEntities)))
	s.mu.Unlock()
	s.signal()
}

func (s *Synchronizer) addEntity(up EntityUpsert) {
	s.observed.Inc()
	s.mu.Lock()
	s.pendingEntities[up.EntityID] = mergeEntity(s.pendingEntities[up.EntityID], up)
	s.pending.Set(int64(len(s.pendingDevices) + len(s.pendingEntities)))
	s.mu.Unlock()
	s.signal()
}

func (s *Synchronizer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// mergeDevice folds a new observation onto a pending one; empty fields
// never erase known values.
func mergeDevice(old, new DeviceUpsert) DeviceUpsert {
	if old.ID == "" {
		return new
	}
	if new.ID == "" {
		return old
	}
	out := old
	if new.Name != "" {
		out.Name = new.Name
	}
	if new.Manufacturer != "" {
		out.Manufacturer = new.Manufacturer
	}
	if new.Model != "" {
		out.Model = new.Model
	}
	if new.SWVersion != "" {
		out.SWVersion = new.SWVersion
	}
	if new.AreaID != "" {
		out.AreaID = new.AreaID
	}
	if new.Seen.After(out.Seen) {
		out.Seen = new.Seen
	}
	return out
}

func mergeEntity(old, new EntityUpsert) EntityUpsert {
	if old.EntityID == "" {
		return new
	}
	if new.EntityID == "" {
		return old
	}
	out := old
	out.Domain = new.Domain
	out.Disabled = new.Disabled
	if new.DeviceID != "" {
		out.DeviceID = new.DeviceID
	}
	if new.Platform != "" {
		out.Platform = new.Platform
	}
	if new.AreaID != "" {
		out.AreaID = new.AreaID
	}
	if new.FriendlyName != "" {
		out.FriendlyName = new.FriendlyName
	}
	if new.Unit != "" {
		out.Unit = new.Unit
	}
	if new.Seen.After(out.Seen) {
		out.Seen = new.Seen
	}
	return out
}

// Commit retry backoff. Matches the batch writer's schedule so both
// store paths degrade the same way during an outage.
const (
	retryBase = 250 * time.Millisecond
	retryCap  = 30 * time.Second
)

// Run commits coalesced batches until ctx is cancelled, then performs a
// final flush so observed metadata is never lost to shutdown timing.
// Consecutive commit failures back off exponentially; a success resets
// the schedule.
func (s *Synchronizer) Run(ctx context.Context) error {
	var retryDelay time.Duration
	for {
		select {
		case <-ctx.Done():
			s.commit(context.Background())
			return nil
		case <-s.wake:
		}

		// Let the burst finish accumulating before committing.
		if !sleepCtx(ctx, s.cfg.CoalesceWindow) {
			s.commit(context.Background())
			return nil
		}
		if err := s.commit(ctx); err != nil {
			retryDelay = nextRetryDelay(retryDelay)
			if !sleepCtx(ctx, withJitter(retryDelay)) {
				s.commit(context.Background())
				return nil
			}
			continue
		}
		retryDelay = 0
	}
}

// nextRetryDelay doubles the previous delay, starting at retryBase and
// capping at retryCap.
func nextRetryDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return retryBase
	}
	next := prev * 2
	if next > retryCap {
		next = retryCap
	}
	return next
}

// withJitter spreads a delay over [d/2, d] so retries from concurrent
// processes do not align.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// commit swaps out the pending maps and applies them in one
// transaction. On failure the observations are merged back so a later
// window retries them, and the error drives the caller's backoff.
func (s *Synchronizer) commit(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pendingDevices) == 0 && len(s.pendingEntities) == 0 {
		s.mu.Unlock()
		return nil
	}
	devMap := s.pendingDevices
	entMap := s.pendingEntities
	s.pendingDevices = make(map[string]DeviceUpsert)
	s.pendingEntities = make(map[string]EntityUpsert)
	s.pending.Set(0)
	s.mu.Unlock()

	devices := make([]DeviceUpsert, 0, len(devMap))
	for _, d := range devMap {
		devices = append(devices, d)
	}
	entities := make([]EntityUpsert, 0, len(entMap))
	for _, e := range entMap {
		entities = append(entities, e)
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()

	defer s.cfg.Metrics.Time("metadata_commit_latency")()
	if err := s.store.ApplyBatch(commitCtx, devices, entities); err != nil {
		s.failures.Inc()
		s.logger.Error("metadata commit failed",
			"devices", len(devices),
			"entities", len(entities),
			"error", err,
		)
		s.requeue(devMap, entMap)
		return err
	}

	s.commits.Inc()
	s.cfg.Bus.Publish(events.Event{
		Source: events.SourceMetadata,
		Kind:   events.KindUpsertCommitted,
		Data:   map[string]any{"devices": len(devices), "entities": len(entities)},
	})
	s.logger.Debug("metadata committed", "devices", len(devices), "entities", len(entities))
	return nil
}

// requeue merges failed observations back under anything newer.
func (s *Synchronizer) requeue(devMap map[string]DeviceUpsert, entMap map[string]EntityUpsert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range devMap {
		s.pendingDevices[id] = mergeDevice(d, s.pendingDevices[id])
	}
	for id, e := range entMap {
		s.pendingEntities[id] = mergeEntity(e, s.pendingEntities[id])
	}
	s.pending.Set(int64(len(s.pendingDevices) + len(s.pendingEntities)))
	s.signal()
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

// Package metastore maintains the entity and device catalog in an
// embedded SQLite database. The catalog is dimensional metadata for the
// telemetry in the time-series store: what an entity is, which device
// it belongs to, where that device lives. Writes arrive via the
// Synchronizer, which coalesces them into periodic transactions.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed metadata catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The synchronizer is the single writer; one connection keeps
	// SQLITE_BUSY out of the picture entirely.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Devices, from the Home Assistant device registry
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		sw_version TEXT NOT NULL DEFAULT '',
		area_id TEXT NOT NULL DEFAULT '',
		entity_count INTEGER NOT NULL DEFAULT 0,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_area ON devices(area_id);
	CREATE INDEX IF NOT EXISTS idx_devices_manufacturer ON devices(manufacturer);

	-- Entities, from the registry sweep and the live event stream
	CREATE TABLE IF NOT EXISTS entities (
		entity_id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		area_id TEXT NOT NULL DEFAULT '',
		friendly_name TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_domain ON entities(domain);
	CREATE INDEX IF NOT EXISTS idx_entities_device ON entities(device_id);
	CREATE INDEX IF NOT EXISTS idx_entities_area ON entities(area_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Device is one row of the device catalog.
type Device struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	AreaID       string
	EntityCount  int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Entity is one row of the entity catalog.
type Entity struct {
	EntityID     string
	Domain       string
	DeviceID     string
	Platform     string
	AreaID       string
	FriendlyName string
	Unit         string
	Disabled     bool
	FirstSeen    time.Time
	LastSeen     time.Time
}

// DeviceUpsert carries the fields one observation knows about a device.
// Empty strings mean "no information"; they never overwrite a value
// already in the catalog.
type DeviceUpsert struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	AreaID       string
	Seen         time.Time
}

// EntityUpsert carries the fields one observation knows about an
// entity. Registry observations know device links; stream observations
// know friendly names and units. Both merge into the same row.
type EntityUpsert struct {
	EntityID     string
	Domain       string
	DeviceID     string
	Platform     string
	AreaID       string
	FriendlyName string
	Unit         string
	Disabled     bool
	Seen         time.Time
}

// ApplyBatch commits one coalesced set of upserts in a single
// transaction and recomputes per-device entity counts. Either the whole
// batch lands or none of it does.
func (s *Store) ApplyBatch(ctx context.Context, devices []DeviceUpsert, entities []EntityUpsert) error {
	if len(devices) == 0 && len(entities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range devices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, name, manufacturer, model, sw_version, area_id, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
				manufacturer = CASE WHEN excluded.manufacturer != '' THEN excluded.manufacturer ELSE manufacturer END,
				model = CASE WHEN excluded.model != '' THEN excluded.model ELSE model END,
				sw_version = CASE WHEN excluded.sw_version != '' THEN excluded.sw_version ELSE sw_version END,
				area_id = CASE WHEN excluded.area_id != '' THEN excluded.area_id ELSE area_id END,
				last_seen = excluded.last_seen
		`, d.ID, d.Name, d.Manufacturer, d.Model, d.SWVersion, d.AreaID, d.Seen, d.Seen)
		if err != nil {
			return fmt.Errorf("upsert device %s: %w", d.ID, err)
		}
	}

	for _, e := range entities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (entity_id, domain, device_id, platform, area_id, friendly_name, unit, disabled, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				domain = excluded.domain,
				device_id = CASE WHEN excluded.device_id != '' THEN excluded.device_id ELSE device_id END,
				platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE platform END,
				area_id = CASE WHEN excluded.area_id != '' THEN excluded.area_id ELSE area_id END,
				friendly_name = CASE WHEN excluded.friendly_name != '' THEN excluded.friendly_name ELSE friendly_name END,
				unit = CASE WHEN excluded.unit != '' THEN excluded.unit ELSE unit END,
				disabled = excluded.disabled,
				last_seen = excluded.last_seen
		`, e.EntityID, e.Domain, e.DeviceID, e.Platform, e.AreaID, e.FriendlyName, e.Unit, e.Disabled, e.Seen, e.Seen)
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.EntityID, err)
		}
	}

	// Entity counts are derived data; recomputing inside the same
	// transaction keeps them exact without tracking deltas.
	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET entity_count = (
			SELECT COUNT(*) FROM entities WHERE entities.device_id = devices.id
		)
	`)
	if err != nil {
		return fmt.Errorf("recompute entity counts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Device fetches one device row.
func (s *Store) Device(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, manufacturer, model, sw_version, area_id, entity_count, first_seen, last_seen
		FROM devices WHERE id = ?
	`, id).Scan(&d.ID, &d.Name, &d.Manufacturer, &d.Model, &d.SWVersion, &d.AreaID, &d.EntityCount, &d.FirstSeen, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", id, err)
	}
	return &d, nil
}

// Entity fetches one entity row.
func (s *Store) Entity(ctx context.Context, entityID string) (*Entity, error) {
	var e Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, domain, device_id, platform, area_id, friendly_name, unit, disabled, first_seen, last_seen
		FROM entities WHERE entity_id = ?
	`, entityID).Scan(&e.EntityID, &e.Domain, &e.DeviceID, &e.Platform, &e.AreaID, &e.FriendlyName, &e.Unit, &e.Disabled, &e.FirstSeen, &e.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity %s: %w", entityID, err)
	}
	return &e, nil
}

// EntitiesForDevice lists the entities linked to a device, ordered by
// entity ID.
func (s *Store) EntitiesForDevice(ctx context.Context, deviceID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, domain, device_id, platform, area_id, friendly_name, unit, disabled, first_seen, last_seen
		FROM entities WHERE device_id = ? ORDER BY entity_id
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query entities for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.EntityID, &e.Domain, &e.DeviceID, &e.Platform, &e.AreaID, &e.FriendlyName, &e.Unit, &e.Disabled, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the catalog sizes for health reporting.
func (s *Store) Counts(ctx context.Context) (devices, entities int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&devices); err != nil {
		return 0, 0, fmt.Errorf("count devices: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&entities); err != nil {
		return 0, 0, fmt.Errorf("count entities: %w", err)
	}
	return devices, entities, nil
}

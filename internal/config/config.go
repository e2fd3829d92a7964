// Package config handles HomePulse configuration loading.
//
// Configuration is assembled in three layers: compiled-in defaults, an
// optional YAML file, and environment variables. Environment variables
// win, so a container deployment can run with no config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all HomePulse configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	TSDB          TSDBConfig          `yaml:"tsdb"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Router        RouterConfig        `yaml:"router"`
	Enrichment    EnrichmentConfig    `yaml:"enrichment"`
	MQTT          MQTTConfig          `yaml:"mqtt"`

	// ShutdownDeadlineSeconds bounds the graceful drain on shutdown.
	ShutdownDeadlineSeconds int `yaml:"shutdown_deadline_seconds"`
	// HealthPort is the listen port for the health/metrics endpoint.
	HealthPort int    `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// HomeAssistantConfig defines the upstream event source connection.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// ReconnectDelay is the base of the reconnect backoff schedule.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// ConnectionTimeout bounds dial + authentication.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// HeartbeatInterval is the silent-link watchdog window. If no frame
	// arrives for this long the connection is considered broken.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Configured reports whether the Home Assistant connection is usable.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// TSDBConfig defines the time-series store write endpoint.
type TSDBConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// BatchSize is the size-based flush trigger.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is the age-based flush trigger.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// FlushTimeout bounds a single write request.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// RetryBufferBatches bounds the retry buffer; overflow dead-letters
	// the oldest batch.
	RetryBufferBatches int `yaml:"retry_buffer_batches"`
}

// MetadataConfig defines the embedded metadata store.
type MetadataConfig struct {
	DBPath string `yaml:"db_path"`
	// CoalesceWindow groups pending upserts into one transaction.
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
}

// RouterConfig defines the event router.
type RouterConfig struct {
	// QueueCapacity bounds the intake queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// Workers is the number of hash-partitioned router workers.
	Workers int `yaml:"workers"`
	// Domains, when non-empty, restricts ingestion to these entity domains.
	Domains []string `yaml:"domains"`
	// EntityGlobs, when non-empty, restricts ingestion to matching entity IDs.
	EntityGlobs []string `yaml:"entity_globs"`
	// MinInterval suppresses per-entity updates arriving closer together
	// than this. Zero disables rate limiting.
	MinInterval time.Duration `yaml:"min_interval"`
}

// EnrichmentConfig defines the periodic enrichment workers.
type EnrichmentConfig struct {
	Weather WeatherConfig   `yaml:"weather"`
	Power   PowerCorrConfig `yaml:"power_correlation"`
}

// WeatherConfig defines the weather enrichment worker.
type WeatherConfig struct {
	// URL is the forecast endpoint. Empty disables the worker.
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Latitude  float64       `yaml:"latitude"`
	Longitude float64       `yaml:"longitude"`
	Interval  time.Duration `yaml:"interval"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Configured reports whether the weather worker should run.
func (c WeatherConfig) Configured() bool { return c.URL != "" }

// PowerCorrConfig defines the power-correlation enrichment worker.
type PowerCorrConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the sampling cadence.
	Interval time.Duration `yaml:"interval"`
	// WindowSamples is the rolling window length per sensor.
	WindowSamples int `yaml:"window_samples"`
	// EntityGlob selects which sensors to sample (default "sensor.*power*").
	EntityGlob string `yaml:"entity_glob"`
}

// MQTTConfig defines the optional status publisher. When Broker is
// empty the publisher is disabled.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether the MQTT status publisher should run.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Default returns a configuration with all tunables at their defaults.
// Required connection settings (HA URL/token, TSDB endpoint) are left
// empty and must come from the file or environment.
func Default() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{
			ReconnectDelay:    time.Second,
			ConnectionTimeout: 30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		TSDB: TSDBConfig{
			BatchSize:          1000,
			FlushInterval:      5 * time.Second,
			FlushTimeout:       5 * time.Second,
			RetryBufferBatches: 100,
		},
		Metadata: MetadataConfig{
			DBPath:         "homepulse-meta.db",
			CoalesceWindow: time.Second,
		},
		Router: RouterConfig{
			QueueCapacity: 10000,
			Workers:       4,
		},
		Enrichment: EnrichmentConfig{
			Weather: WeatherConfig{
				Interval: 15 * time.Minute,
				CacheTTL: 10 * time.Minute,
				Timeout:  10 * time.Second,
			},
			Power: PowerCorrConfig{
				Interval:      time.Minute,
				WindowSamples: 30,
				EntityGlob:    "sensor.*power*",
			},
		},
		MQTT: MQTTConfig{
			DeviceName:         "HomePulse",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		ShutdownDeadlineSeconds: 30,
		HealthPort:              8093,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load reads configuration from a YAML file over the defaults.
// Environment variables referenced as ${VAR} in the file are expanded
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv overlays recognized environment variables onto cfg. Unset
// variables leave the existing value alone; malformed values return an
// error naming the variable.
func FromEnv(cfg *Config) error {
	var err error

	setString(&cfg.HomeAssistant.URL, "HA_URL")
	setString(&cfg.HomeAssistant.Token, "HA_TOKEN")
	err = firstErr(err, setDuration(&cfg.HomeAssistant.ReconnectDelay, "HA_RECONNECT_DELAY"))
	err = firstErr(err, setDuration(&cfg.HomeAssistant.ConnectionTimeout, "HA_CONNECTION_TIMEOUT"))
	err = firstErr(err, setDuration(&cfg.HomeAssistant.HeartbeatInterval, "HA_HEARTBEAT_INTERVAL"))

	setString(&cfg.TSDB.URL, "TSDB_URL")
	setString(&cfg.TSDB.Token, "TSDB_TOKEN")
	setString(&cfg.TSDB.Org, "TSDB_ORG")
	setString(&cfg.TSDB.Bucket, "TSDB_BUCKET")
	err = firstErr(err, setInt(&cfg.TSDB.BatchSize, "TSDB_BATCH_SIZE"))
	err = firstErr(err, setDuration(&cfg.TSDB.FlushInterval, "TSDB_FLUSH_INTERVAL"))

	setString(&cfg.Metadata.DBPath, "META_DB_PATH")

	err = firstErr(err, setInt(&cfg.Router.QueueCapacity, "INTAKE_QUEUE_CAPACITY"))
	err = firstErr(err, setInt(&cfg.Router.Workers, "ROUTER_WORKERS"))
	err = firstErr(err, setDuration(&cfg.Router.MinInterval, "ROUTER_MIN_INTERVAL"))

	setString(&cfg.Enrichment.Weather.URL, "ENRICHMENT_WEATHER_URL")
	setString(&cfg.Enrichment.Weather.APIKey, "ENRICHMENT_WEATHER_API_KEY")
	err = firstErr(err, setFloat(&cfg.Enrichment.Weather.Latitude, "ENRICHMENT_WEATHER_LATITUDE"))
	err = firstErr(err, setFloat(&cfg.Enrichment.Weather.Longitude, "ENRICHMENT_WEATHER_LONGITUDE"))
	err = firstErr(err, setDuration(&cfg.Enrichment.Weather.Interval, "ENRICHMENT_WEATHER_INTERVAL"))
	err = firstErr(err, setDuration(&cfg.Enrichment.Weather.CacheTTL, "ENRICHMENT_WEATHER_CACHE_TTL"))

	setString(&cfg.MQTT.Broker, "MQTT_BROKER")
	setString(&cfg.MQTT.Username, "MQTT_USERNAME")
	setString(&cfg.MQTT.Password, "MQTT_PASSWORD")

	err = firstErr(err, setInt(&cfg.ShutdownDeadlineSeconds, "SHUTDOWN_DEADLINE_SECONDS"))
	err = firstErr(err, setInt(&cfg.HealthPort, "HEALTH_PORT"))
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	return err
}

// Validate checks the assembled configuration and reports the first
// problem found. Any error here is fatal at startup.
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("HA_URL is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("HA_TOKEN is required")
	}
	if c.TSDB.URL == "" {
		return fmt.Errorf("TSDB_URL is required")
	}
	if c.TSDB.Org == "" || c.TSDB.Bucket == "" {
		return fmt.Errorf("TSDB_ORG and TSDB_BUCKET are required")
	}
	if c.TSDB.BatchSize <= 0 {
		return fmt.Errorf("TSDB_BATCH_SIZE must be positive, got %d", c.TSDB.BatchSize)
	}
	if c.TSDB.FlushInterval <= 0 {
		return fmt.Errorf("TSDB_FLUSH_INTERVAL must be positive, got %s", c.TSDB.FlushInterval)
	}
	if c.Metadata.DBPath == "" {
		return fmt.Errorf("META_DB_PATH is required")
	}
	if c.Router.QueueCapacity <= 0 {
		return fmt.Errorf("INTAKE_QUEUE_CAPACITY must be positive, got %d", c.Router.QueueCapacity)
	}
	if c.Router.Workers <= 0 {
		return fmt.Errorf("ROUTER_WORKERS must be positive, got %d", c.Router.Workers)
	}
	if c.ShutdownDeadlineSeconds <= 0 {
		return fmt.Errorf("SHUTDOWN_DEADLINE_SECONDS must be positive, got %d", c.ShutdownDeadlineSeconds)
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("HEALTH_PORT out of range: %d", c.HealthPort)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (expected text or json)", c.LogFormat)
	}
	return nil
}

// ShutdownDeadline returns the drain deadline as a duration.
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

// setDuration accepts Go duration syntax ("30s", "5m") and, for
// compatibility with plain-seconds deployments, bare integers.
func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

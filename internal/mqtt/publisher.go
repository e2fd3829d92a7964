package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/homepulse/internal/config"
)

// StatsSource provides the pipeline figures the status sensors publish.
// The concrete adapter is wired by the supervisor so this package stays
// decoupled from the pipeline internals.
type StatsSource interface {
	// ConnectorState returns the connector state name ("streaming", ...).
	ConnectorState() string
	// PointsWritten returns the total points durably written.
	PointsWritten() int64
	// DeadLettered returns the total points dead-lettered.
	DeadLettered() int64
	// QueueDepth returns the current intake queue depth.
	QueueDepth() int
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
}

// Publisher manages the broker connection, publishes HA discovery
// configs on (re-)connect, and pushes sensor states periodically.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Run] to
// begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger,
	}
}

// Run connects to the broker and publishes states until ctx is
// cancelled. Every (re-)connect republishes discovery configs and the
// online availability message; the broker's will message covers
// unclean exits.
func (p *Publisher) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "homepulse-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; status sensors are
		// not worth holding up the pipeline for.
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// Stop publishes the offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "homepulse/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "connector_state",
			config: SensorConfig{
				Name:              p.device.Name + " Connector State",
				UniqueID:          p.instanceID + "_connector_state",
				StateTopic:        p.stateTopic("connector_state"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:connection",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "points_written",
			config: SensorConfig{
				Name:              p.device.Name + " Points Written",
				UniqueID:          p.instanceID + "_points_written",
				StateTopic:        p.stateTopic("points_written"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:database-arrow-up",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "points",
			},
		},
		{
			entitySuffix: "dead_lettered",
			config: SensorConfig{
				Name:              p.device.Name + " Dead Lettered",
				UniqueID:          p.instanceID + "_dead_lettered",
				StateTopic:        p.stateTopic("dead_lettered"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:email-remove",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "points",
			},
		},
		{
			entitySuffix: "queue_depth",
			config: SensorConfig{
				Name:              p.device.Name + " Queue Depth",
				UniqueID:          p.instanceID + "_queue_depth",
				StateTopic:        p.stateTopic("queue_depth"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tray-full",
				StateClass:        "measurement",
				UnitOfMeasurement: "events",
			},
		},
		{
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              p.device.Name + " Uptime",
				UniqueID:          p.instanceID + "_uptime",
				StateTopic:        p.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              p.device.Name + " Version",
				UniqueID:          p.instanceID + "_version",
				StateTopic:        p.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := map[string]string{
		"connector_state": p.stats.ConnectorState(),
		"points_written":  strconv.FormatInt(p.stats.PointsWritten(), 10),
		"dead_lettered":   strconv.FormatInt(p.stats.DeadLettered(), 10),
		"queue_depth":     strconv.Itoa(p.stats.QueueDepth()),
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"version":         p.stats.Version(),
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}

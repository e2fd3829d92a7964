package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
)

// ErrBadCredentials is returned by Run when Home Assistant rejects the
// access token on consecutive connection attempts. It is unrecoverable:
// retrying with the same token would loop forever.
var ErrBadCredentials = errors.New("homeassistant: access token rejected")

// ErrBadURL is returned by Run when the configured base URL cannot be
// parsed. Unrecoverable.
var ErrBadURL = errors.New("homeassistant: invalid base URL")

// ConnState is the connector's position in its connection lifecycle.
type ConnState int32

// Connector states, in the order a healthy connection traverses them.
const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateBackoff
	StateStopping
)

// String returns the lowercase state name used in logs and metrics.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EmitFunc receives each RawEvent in arrival order. It may block; the
// connector's read loop waits, which propagates backpressure to the
// socket. Returning an error stops the current session.
type EmitFunc func(ctx context.Context, ev RawEvent) error

// RegistryFunc receives the device and entity registries fetched after
// each successful subscription.
type RegistryFunc func(devices []DeviceRegistryEntry, entities []EntityRegistryEntry)

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	BaseURL string
	Token   string

	// ReconnectBase is the base of the exponential backoff schedule
	// (default 1s, factor 2, cap 60s, full jitter).
	ReconnectBase time.Duration
	// ReconnectCap ceils the backoff growth (default 60s).
	ReconnectCap time.Duration
	// ConnectTimeout bounds dial plus authentication (default 30s).
	ConnectTimeout time.Duration
	// Heartbeat is the silent-link watchdog window (default 60s). The
	// connector pings at half this interval; a read that sees no frame
	// for the full window tears the connection down.
	Heartbeat time.Duration

	Emit       EmitFunc
	OnRegistry RegistryFunc

	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// Connector maintains exactly one logical subscription to the Home
// Assistant event stream and surfaces the received frames in order.
// It owns reconnection; all transient failures are retried forever.
type Connector struct {
	cfg    ConnectorConfig
	logger *slog.Logger

	state atomic.Int32
	msgID atomic.Int64

	// Consecutive auth_invalid responses. Two in a row is fatal.
	authFailures int

	connectAttempts *metrics.Counter
	reconnects      *metrics.Counter
	frames          *metrics.Counter
	protocolErrors  *metrics.Counter
	stateGauge      *metrics.Gauge
	lastFrameGauge  *metrics.Gauge
}

// wsFrame is the generic Home Assistant WebSocket message format.
type wsFrame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsFrameError   `json:"error,omitempty"`
}

type wsFrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewConnector creates a connector. Run must be called to start it.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 60 * time.Second
	}

	c := &Connector{
		cfg:    cfg,
		logger: cfg.Logger,

		connectAttempts: cfg.Metrics.Counter("connector_connect_attempts"),
		reconnects:      cfg.Metrics.Counter("connector_reconnects_total"),
		frames:          cfg.Metrics.Counter("connector_frames_total"),
		protocolErrors:  cfg.Metrics.Counter("connector_protocol_errors"),
		stateGauge:      cfg.Metrics.Gauge("connector_state"),
		lastFrameGauge:  cfg.Metrics.Gauge("connector_last_frame_at"),
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connector) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	c.stateGauge.SetString(s.String())
	if old != s {
		c.cfg.Bus.Publish(events.Event{
			Source: events.SourceConnector,
			Kind:   events.KindStateChange,
			Data:   map[string]any{"from": old.String(), "to": s.String()},
		})
	}
}

// Run drives the connection state machine until ctx is cancelled. It
// returns nil on cancellation, or an unrecoverable error
// ([ErrBadCredentials], [ErrBadURL]) that should abort the process.
func (c *Connector) Run(ctx context.Context) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateStopping)
			return nil
		}

		c.setState(StateDisconnected)
		sessionErr := c.session(ctx, wsURL)

		switch {
		case ctx.Err() != nil:
			c.setState(StateStopping)
			return nil
		case errors.Is(sessionErr, ErrBadCredentials):
			c.setState(StateStopping)
			return sessionErr
		}

		attempt++
		c.reconnects.Inc()
		delay := c.backoffDelay(attempt)
		c.logger.Warn("connection lost, backing off",
			"attempt", attempt,
			"delay", delay.String(),
			"error", sessionErr,
		)
		c.setState(StateBackoff)
		if !sleepCtx(ctx, delay) {
			c.setState(StateStopping)
			return nil
		}
	}
}

// backoffDelay computes the full-jitter exponential delay for the
// given attempt number (1-based).
func (c *Connector) backoffDelay(attempt int) time.Duration {
	max := c.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		max *= 2
		if max >= c.cfg.ReconnectCap {
			max = c.cfg.ReconnectCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// session runs one complete connection lifetime: dial, authenticate,
// subscribe, fetch registries, stream. It returns when the transport
// fails, the heartbeat window elapses without a frame, the context is
// cancelled, or the credential is rejected.
func (c *Connector) session(ctx context.Context, wsURL string) error {
	c.connectAttempts.Inc()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	// A larger read buffer matters here: the entity registry response
	// for a big installation runs to tens of megabytes.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(100 * 1024 * 1024)

	// Tie the connection to ctx so shutdown interrupts a blocked read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := c.authenticate(conn, writeJSON); err != nil {
		return err
	}
	c.authFailures = 0

	subID, err := c.subscribe(conn, writeJSON)
	if err != nil {
		return err
	}

	pending := c.requestRegistries(writeJSON)

	c.setState(StateStreaming)
	c.logger.Info("streaming state_changed events", "url", wsURL)

	// Application-level pings at half the heartbeat window keep frames
	// flowing on a quiet bus; the read deadline is the watchdog.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(writeJSON, pingDone)

	return c.streamLoop(ctx, conn, subID, pending)
}

// authenticate performs the auth_required / auth / auth_ok exchange.
func (c *Connector) authenticate(conn *websocket.Conn, writeJSON func(any) error) error {
	c.setState(StateAuthenticating)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))

	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		c.protocolErrors.Inc()
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := writeJSON(map[string]string{
		"type":         "auth",
		"access_token": c.cfg.Token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp wsFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		c.authFailures++
		if c.authFailures >= 2 {
			return ErrBadCredentials
		}
		return fmt.Errorf("authentication rejected (attempt %d)", c.authFailures)
	default:
		c.protocolErrors.Inc()
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// subscribe registers the state_changed subscription and waits for the
// result ack. Returns the subscription message ID.
func (c *Connector) subscribe(conn *websocket.Conn, writeJSON func(any) error) (int64, error) {
	c.setState(StateSubscribing)
	id := c.msgID.Add(1)

	if err := writeJSON(map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		return 0, fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return 0, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != "result" || ack.ID != id {
		c.protocolErrors.Inc()
		return 0, fmt.Errorf("unexpected subscribe ack: type=%s id=%d", ack.Type, ack.ID)
	}
	if !ack.Success {
		if ack.Error != nil {
			return 0, fmt.Errorf("subscribe rejected: %s: %s", ack.Error.Code, ack.Error.Message)
		}
		return 0, fmt.Errorf("subscribe rejected")
	}
	return id, nil
}

// registryPending tracks the in-flight registry list requests issued
// after each subscription. Replies are matched by message ID inside
// the stream loop.
type registryPending struct {
	deviceID int64
	entityID int64
	devices  []DeviceRegistryEntry
	entities []EntityRegistryEntry
	devDone  bool
	entDone  bool
}

// requestRegistries issues device and entity registry list commands.
// Send failures are logged and skipped: the registry sweep is an
// optimization, not a correctness requirement (unknown entities are
// upserted as they appear in state events).
func (c *Connector) requestRegistries(writeJSON func(any) error) *registryPending {
	if c.cfg.OnRegistry == nil {
		return nil
	}

	p := &registryPending{
		deviceID: c.msgID.Add(1),
		entityID: c.msgID.Add(1),
	}
	if err := writeJSON(map[string]any{"id": p.deviceID, "type": "config/device_registry/list"}); err != nil {
		c.logger.Warn("device registry request failed", "error", err)
		p.devDone = true
	}
	if err := writeJSON(map[string]any{"id": p.entityID, "type": "config/entity_registry/list"}); err != nil {
		c.logger.Warn("entity registry request failed", "error", err)
		p.entDone = true
	}
	return p
}

// pingLoop sends application-level pings until done closes. Write
// errors are ignored; the read side notices a dead link first.
func (c *Connector) pingLoop(writeJSON func(any) error, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = writeJSON(map[string]any{"id": c.msgID.Add(1), "type": "ping"})
		}
	}
}

// streamLoop reads frames until the connection dies. Every read is
// guarded by the heartbeat deadline; a silent link is torn down.
func (c *Connector) streamLoop(ctx context.Context, conn *websocket.Conn, subID int64, pending *registryPending) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.Heartbeat))

		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("connection closed: %w", err)
			}
			// Covers transport errors, heartbeat timeouts, and frames
			// too malformed to frame-decode (partial writes).
			return fmt.Errorf("read: %w", err)
		}

		c.frames.Inc()
		c.lastFrameGauge.SetTime(time.Now())

		switch frame.Type {
		case "event":
			if frame.Event == nil || frame.ID != subID {
				c.protocolError("event frame without payload or unknown id")
				continue
			}
			ev := RawEvent{
				Kind:     frame.Event.Type,
				Event:    *frame.Event,
				Received: time.Now(),
			}
			if err := c.cfg.Emit(ctx, ev); err != nil {
				return fmt.Errorf("emit: %w", err)
			}

		case "result":
			c.handleResult(frame, pending)

		case "pong":
			// Keepalive reply; the deadline reset above is the point.

		default:
			c.protocolError("unhandled frame type " + frame.Type)
		}
	}
}

// handleResult matches registry replies by message ID and fires the
// OnRegistry callback once both have arrived.
func (c *Connector) handleResult(frame wsFrame, pending *registryPending) {
	if pending == nil || !frame.Success {
		return
	}

	switch frame.ID {
	case pending.deviceID:
		if err := json.Unmarshal(frame.Result, &pending.devices); err != nil {
			c.protocolError("device registry decode: " + err.Error())
		}
		pending.devDone = true
	case pending.entityID:
		if err := json.Unmarshal(frame.Result, &pending.entities); err != nil {
			c.protocolError("entity registry decode: " + err.Error())
		}
		pending.entDone = true
	default:
		return
	}

	if pending.devDone && pending.entDone && (len(pending.devices) > 0 || len(pending.entities) > 0) {
		c.logger.Info("registry sweep complete",
			"devices", len(pending.devices),
			"entities", len(pending.entities),
		)
		c.cfg.OnRegistry(pending.devices, pending.entities)
		pending.devices = nil
		pending.entities = nil
	}
}

// protocolError counts and reports a malformed or unexpected frame.
// The frame is discarded; the stream continues.
func (c *Connector) protocolError(detail string) {
	c.protocolErrors.Inc()
	c.logger.Debug("protocol error", "detail", detail)
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceConnector,
		Kind:   events.KindProtocolError,
		Data:   map[string]any{"detail": detail},
	})
}

// websocketURL converts the configured HTTP base URL to the websocket
// endpoint.
func (c *Connector) websocketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
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

package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHub is an in-process Home Assistant WebSocket endpoint. Each
// accepted connection runs the auth and subscribe handshake, then hands
// control to the scenario function.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	// rejectAuth makes every connection answer auth_invalid.
	rejectAuth bool
	// registries enables canned device/entity registry responses.
	registries bool
	// scenario runs after the handshake with the live connection.
	scenario func(conn *websocket.Conn, subID int64)

	mu       sync.Mutex
	accepted int
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{t: t}
	h.server = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) url() string {
	return "http://" + strings.TrimPrefix(h.server.URL, "http://")
}

func (h *fakeHub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

func (h *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.accepted++
	h.mu.Unlock()

	if err := conn.WriteJSON(map[string]string{"type": "auth_required", "ha_version": "2025.8.0"}); err != nil {
		return
	}

	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if h.rejectAuth || auth["access_token"] == "" {
		_ = conn.WriteJSON(map[string]string{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth_ok", "ha_version": "2025.8.0"}); err != nil {
		return
	}

	var subID int64
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		id := int64(frame["id"].(float64))
		switch frame["type"] {
		case "subscribe_events":
			subID = id
			if err := conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true}); err != nil {
				return
			}
			if h.scenario != nil {
				h.scenario(conn, subID)
			}
			return
		case "config/device_registry/list":
			_ = conn.WriteJSON(map[string]any{
				"id": id, "type": "result", "success": true,
				"result": []map[string]any{
					{"id": "dev-1", "name": "Hue Bridge", "manufacturer": "Signify", "model": "BSB002", "area_id": "hallway"},
				},
			})
		case "config/entity_registry/list":
			_ = conn.WriteJSON(map[string]any{
				"id": id, "type": "result", "success": true,
				"result": []map[string]any{
					{"entity_id": "light.hallway", "device_id": "dev-1", "platform": "hue", "area_id": "hallway"},
				},
			})
		case "ping":
			_ = conn.WriteJSON(map[string]any{"id": id, "type": "pong"})
		}
	}
}

// sendStateChanged writes a state_changed event frame for the entity.
func sendStateChanged(conn *websocket.Conn, subID int64, entityID, state string) error {
	data, _ := json.Marshal(StateChangedData{
		EntityID: entityID,
		NewState: &State{
			EntityID:    entityID,
			State:       state,
			LastUpdated: time.Now(),
		},
	})
	return conn.WriteJSON(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data":       json.RawMessage(data),
			"origin":     "LOCAL",
			"time_fired": time.Now().Format(time.RFC3339Nano),
		},
	})
}

func TestConnectorStreamsEventsInOrder(t *testing.T) {
	hub := newFakeHub(t)
	hub.scenario = func(conn *websocket.Conn, subID int64) {
		for _, entity := range []string{"light.kitchen", "sensor.power", "light.kitchen"} {
			if err := sendStateChanged(conn, subID, entity, "on"); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan RawEvent, 8)
	c := NewConnector(ConnectorConfig{
		BaseURL: hub.url(),
		Token:   "test-token",
		Emit: func(ctx context.Context, ev RawEvent) error {
			got <- ev
			return nil
		},
	})

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	want := []string{"light.kitchen", "sensor.power", "light.kitchen"}
	for i, wantEntity := range want {
		select {
		case ev := <-got:
			if ev.Kind != "state_changed" {
				t.Fatalf("event %d: kind = %q, want state_changed", i, ev.Kind)
			}
			var data StateChangedData
			if err := json.Unmarshal(ev.Event.Data, &data); err != nil {
				t.Fatalf("event %d: decode data: %v", i, err)
			}
			if data.EntityID != wantEntity {
				t.Fatalf("event %d: entity = %q, want %q", i, data.EntityID, wantEntity)
			}
			if ev.Received.IsZero() {
				t.Fatalf("event %d: zero receipt timestamp", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if state := c.State(); state != StateStreaming {
		t.Errorf("state = %v, want streaming", state)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v after cancellation, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestConnectorReconnectsAfterDrop(t *testing.T) {
	hub := newFakeHub(t)
	hub.scenario = func(conn *websocket.Conn, subID int64) {
		_ = sendStateChanged(conn, subID, "sensor.temp", "21.5")
		// Drop the connection; the connector should come back.
		conn.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan RawEvent, 8)
	c := NewConnector(ConnectorConfig{
		BaseURL:       hub.url(),
		Token:         "test-token",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		Emit: func(ctx context.Context, ev RawEvent) error {
			got <- ev
			return nil
		},
	})
	go c.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event after %d reconnects", i)
		}
	}
	if n := hub.connections(); n < 2 {
		t.Errorf("connections = %d, want at least 2", n)
	}
}

func TestConnectorRejectedTokenIsFatal(t *testing.T) {
	hub := newFakeHub(t)
	hub.rejectAuth = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewConnector(ConnectorConfig{
		BaseURL:       hub.url(),
		Token:         "revoked",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  20 * time.Millisecond,
		Emit: func(ctx context.Context, ev RawEvent) error {
			t.Error("no events expected when authentication fails")
			return nil
		},
	})

	err := c.Run(ctx)
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("Run = %v, want ErrBadCredentials", err)
	}
	// One rejection is tolerated (token rotation race); the second in a
	// row is terminal.
	if n := hub.connections(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
	if state := c.State(); state != StateStopping {
		t.Errorf("state = %v, want stopping", state)
	}
}

func TestConnectorInvalidURLIsFatal(t *testing.T) {
	c := NewConnector(ConnectorConfig{
		BaseURL: "ftp://nope.example",
		Token:   "x",
		Emit:    func(context.Context, RawEvent) error { return nil },
	})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrBadURL) {
		t.Fatalf("Run = %v, want ErrBadURL", err)
	}
}

func TestConnectorRegistrySweep(t *testing.T) {
	hub := newFakeHub(t)
	hub.scenario = func(conn *websocket.Conn, subID int64) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type sweep struct {
		devices  []DeviceRegistryEntry
		entities []EntityRegistryEntry
	}
	got := make(chan sweep, 1)

	c := NewConnector(ConnectorConfig{
		BaseURL: hub.url(),
		Token:   "test-token",
		Emit:    func(context.Context, RawEvent) error { return nil },
		OnRegistry: func(devices []DeviceRegistryEntry, entities []EntityRegistryEntry) {
			got <- sweep{devices, entities}
		},
	})
	go c.Run(ctx)

	select {
	case s := <-got:
		if len(s.devices) != 1 || s.devices[0].ID != "dev-1" {
			t.Errorf("devices = %+v, want one entry dev-1", s.devices)
		}
		if s.devices[0].DisplayName() != "Hue Bridge" {
			t.Errorf("DisplayName = %q, want Hue Bridge", s.devices[0].DisplayName())
		}
		if len(s.entities) != 1 || s.entities[0].EntityID != "light.hallway" {
			t.Errorf("entities = %+v, want one entry light.hallway", s.entities)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for registry sweep")
	}
}

func TestConnectorEmitBackpressure(t *testing.T) {
	hub := newFakeHub(t)
	sent := make(chan struct{})
	hub.scenario = func(conn *websocket.Conn, subID int64) {
		for i := 0; i < 3; i++ {
			if err := sendStateChanged(conn, subID, "sensor.a", "1"); err != nil {
				return
			}
		}
		close(sent)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var delivered int
	deliveredCh := make(chan int, 8)
	c := NewConnector(ConnectorConfig{
		BaseURL: hub.url(),
		Token:   "test-token",
		Emit: func(ctx context.Context, ev RawEvent) error {
			<-release
			delivered++
			deliveredCh <- delivered
			return nil
		},
	})
	go c.Run(ctx)

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished sending")
	}

	// With emit blocked nothing is delivered even though frames are
	// queued on the socket.
	select {
	case n := <-deliveredCh:
		t.Fatalf("delivered %d events while emit was blocked", n)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for i := 1; i <= 3; i++ {
		select {
		case n := <-deliveredCh:
			if n != i {
				t.Fatalf("delivery order %d, want %d", n, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		in           string
		domain, name string
	}{
		{"light.kitchen", "light", "kitchen"},
		{"sensor.living_room_power", "sensor", "living_room_power"},
		{"noseparator", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		domain, name := SplitEntityID(tt.in)
		if domain != tt.domain || name != tt.name {
			t.Errorf("SplitEntityID(%q) = %q, %q; want %q, %q", tt.in, domain, name, tt.domain, tt.name)
		}
	}
}

package homeassistant

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func restServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", nil)
}

func TestClientPing(t *testing.T) {
	client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{"message": "API running."}`)
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClientPingRejectsWrongStatus(t *testing.T) {
	client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message": "API starting up"}`)
	})

	err := client.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "API starting up") {
		t.Errorf("Ping err = %v, want unexpected-status error", err)
	}
}

func TestClientGetConfig(t *testing.T) {
	client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"location_name": "Home",
			"latitude": 30.2672,
			"longitude": -97.7431,
			"time_zone": "America/Chicago",
			"version": "2024.6.1"
		}`)
	})

	cfg, err := client.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg.LocationName != "Home" || cfg.Latitude != 30.2672 || cfg.Longitude != -97.7431 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestClientGetStates(t *testing.T) {
	client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `[
			{"entity_id": "light.kitchen", "state": "on", "attributes": {"brightness": 128}},
			{"entity_id": "sensor.hall_temp", "state": "21.5"}
		]`)
	})

	states, err := client.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].EntityID != "light.kitchen" || states[0].State != "on" {
		t.Errorf("state[0] = %+v", states[0])
	}
	if states[0].Attributes["brightness"] != 128.0 {
		t.Errorf("attributes = %v", states[0].Attributes)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})

	_, err := client.GetConfig(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want API error with status", err)
	}
}

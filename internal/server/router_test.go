package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func stubOperator() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHealthz_OK(t *testing.T) {
	router := NewRouter(stubOperator(), map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestHealthz_Degraded(t *testing.T) {
	router := NewRouter(stubOperator(), map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("connection closed") },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	failed, ok := resp["failed"].(map[string]any)
	if !ok || failed["nats"] == nil {
		t.Errorf("failed = %#v, want nats entry", resp["failed"])
	}
}

func TestRouter_MetricsExposed(t *testing.T) {
	router := NewRouter(stubOperator(), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRouter_RequestIDOnOperatorRoutes(t *testing.T) {
	router := NewRouter(stubOperator(), nil)

	req := httptest.NewRequest(http.MethodGet, "/feedsync/v1/queue", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set by middleware")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxSlots != 7 {
		t.Errorf("MaxSlots = %d, want 7", cfg.MaxSlots)
	}
	if cfg.HeartbeatTTL != 10*time.Minute {
		t.Errorf("HeartbeatTTL = %v, want 10m", cfg.HeartbeatTTL)
	}
	if cfg.StuckAfter != 30*time.Minute {
		t.Errorf("StuckAfter = %v, want 30m", cfg.StuckAfter)
	}
	if cfg.StaleBeatAfter != 5*time.Minute {
		t.Errorf("StaleBeatAfter = %v, want 5m", cfg.StaleBeatAfter)
	}

	tiers := cfg.TierConfigs()
	if len(tiers) != 3 {
		t.Fatalf("TierConfigs() returned %d tiers, want 3", len(tiers))
	}
	for i, want := range []int{2, 2, 3} {
		if tiers[i].MaxQueued != want {
			t.Errorf("tier %s MaxQueued = %d, want %d",
				tiers[i].Priority.Label(), tiers[i].MaxQueued, want)
		}
	}
}

func TestLoadConfig_TierCapOverrides(t *testing.T) {
	os.Setenv("FEEDSYNC_PLAN_MAX_QUEUED", "5")
	os.Setenv("FEEDSYNC_NORMAL_MAX_QUEUED", "1")
	defer os.Unsetenv("FEEDSYNC_PLAN_MAX_QUEUED")
	defer os.Unsetenv("FEEDSYNC_NORMAL_MAX_QUEUED")

	tiers := LoadConfig().TierConfigs()
	if tiers[0].MaxQueued != 5 {
		t.Errorf("plan MaxQueued = %d, want 5", tiers[0].MaxQueued)
	}
	if tiers[1].MaxQueued != 2 {
		t.Errorf("level MaxQueued = %d, want 2", tiers[1].MaxQueued)
	}
	if tiers[2].MaxQueued != 1 {
		t.Errorf("normal MaxQueued = %d, want 1", tiers[2].MaxQueued)
	}
}

func TestLoadConfig_HeartbeatTTLCoversStaleSweep(t *testing.T) {
	os.Setenv("FEEDSYNC_STALE_BEAT_AFTER", "10m")
	os.Setenv("FEEDSYNC_HEARTBEAT_TTL", "10m")
	defer os.Unsetenv("FEEDSYNC_STALE_BEAT_AFTER")
	defer os.Unsetenv("FEEDSYNC_HEARTBEAT_TTL")

	cfg := LoadConfig()
	if cfg.HeartbeatTTL != 20*time.Minute {
		t.Errorf("HeartbeatTTL = %v, want 20m (raised above the sweep threshold)", cfg.HeartbeatTTL)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	os.Setenv("FEEDSYNC_MAX_SLOTS", "3")
	os.Setenv("FEEDSYNC_STALE_BEAT_AFTER", "2m")
	defer os.Unsetenv("FEEDSYNC_MAX_SLOTS")
	defer os.Unsetenv("FEEDSYNC_STALE_BEAT_AFTER")

	cfg := LoadConfig()
	if cfg.MaxSlots != 3 {
		t.Errorf("MaxSlots = %d, want 3", cfg.MaxSlots)
	}
	if cfg.StaleBeatAfter != 2*time.Minute {
		t.Errorf("StaleBeatAfter = %v, want 2m", cfg.StaleBeatAfter)
	}
}

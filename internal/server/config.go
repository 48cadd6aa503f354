// Package server holds process configuration and the HTTP router.
package server

import (
	"os"
	"strconv"
	"time"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/dispatch"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string
	NatsURL  string
	DBPath   string

	// MaxSlots caps concurrent feed processing across all workers.
	MaxSlots int
	// HeartbeatTTL is the KV expiry on heartbeat records.
	HeartbeatTTL time.Duration

	// Per-tier dispatch candidate limits.
	PlanCandidates   int
	LevelCandidates  int
	NormalCandidates int
	// Per-tier caps on tickets waiting on the queue.
	PlanMaxQueued   int
	LevelMaxQueued  int
	NormalMaxQueued int
	// Per-tier worker fetch concurrency.
	PlanWorkers   int
	LevelWorkers  int
	NormalWorkers int
	// DispatchLookback seeds a tier watermark on first run.
	DispatchLookback time.Duration

	// Sweep thresholds.
	StuckAfter     time.Duration
	IdleAfter      time.Duration
	StaleBeatAfter time.Duration

	// Pass intervals.
	DispatchInterval       time.Duration
	LoopSweepInterval      time.Duration
	HeartbeatSweepInterval time.Duration
	ReconcileInterval      time.Duration
	SlotCleanupInterval    time.Duration

	// SyncCommand is the external command workers run per integration.
	SyncCommand string
	SyncTimeout time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	OtelEnabled  bool
	OtelExporter string
	OtelEndpoint string
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		Port:     getEnv("FEEDSYNC_PORT", "8080"),
		GRPCPort: getEnv("FEEDSYNC_GRPC_PORT", "9090"),
		NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		DBPath:   getEnv("FEEDSYNC_DB_PATH", "feedsync.db"),

		MaxSlots:     getEnvInt("FEEDSYNC_MAX_SLOTS", 7),
		HeartbeatTTL: getEnvDuration("FEEDSYNC_HEARTBEAT_TTL", 10*time.Minute),

		PlanCandidates:   getEnvInt("FEEDSYNC_PLAN_CANDIDATES", 100),
		LevelCandidates:  getEnvInt("FEEDSYNC_LEVEL_CANDIDATES", 50),
		NormalCandidates: getEnvInt("FEEDSYNC_NORMAL_CANDIDATES", 20),
		PlanMaxQueued:    getEnvInt("FEEDSYNC_PLAN_MAX_QUEUED", 2),
		LevelMaxQueued:   getEnvInt("FEEDSYNC_LEVEL_MAX_QUEUED", 2),
		NormalMaxQueued:  getEnvInt("FEEDSYNC_NORMAL_MAX_QUEUED", 3),
		PlanWorkers:      getEnvInt("FEEDSYNC_PLAN_WORKERS", 2),
		LevelWorkers:     getEnvInt("FEEDSYNC_LEVEL_WORKERS", 2),
		NormalWorkers:    getEnvInt("FEEDSYNC_NORMAL_WORKERS", 3),
		DispatchLookback: getEnvDuration("FEEDSYNC_DISPATCH_LOOKBACK", 24*time.Hour),

		StuckAfter:     getEnvDuration("FEEDSYNC_STUCK_AFTER", 30*time.Minute),
		IdleAfter:      getEnvDuration("FEEDSYNC_IDLE_AFTER", 15*time.Minute),
		StaleBeatAfter: getEnvDuration("FEEDSYNC_STALE_BEAT_AFTER", 5*time.Minute),

		DispatchInterval:       getEnvDuration("FEEDSYNC_DISPATCH_INTERVAL", 30*time.Second),
		LoopSweepInterval:      getEnvDuration("FEEDSYNC_LOOP_SWEEP_INTERVAL", 5*time.Minute),
		HeartbeatSweepInterval: getEnvDuration("FEEDSYNC_HEARTBEAT_SWEEP_INTERVAL", time.Minute),
		ReconcileInterval:      getEnvDuration("FEEDSYNC_RECONCILE_INTERVAL", 10*time.Minute),
		SlotCleanupInterval:    getEnvDuration("FEEDSYNC_SLOT_CLEANUP_INTERVAL", 5*time.Minute),

		SyncCommand: getEnv("FEEDSYNC_SYNC_COMMAND", ""),
		SyncTimeout: getEnvDuration("FEEDSYNC_SYNC_TIMEOUT", 25*time.Minute),

		ReadTimeout:     getEnvDuration("FEEDSYNC_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getEnvDuration("FEEDSYNC_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("FEEDSYNC_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("FEEDSYNC_SHUTDOWN_TIMEOUT", 15*time.Second),

		OtelEnabled:  getEnvBool("FEEDSYNC_OTEL_ENABLED", false) || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		OtelExporter: getEnv("FEEDSYNC_OTEL_EXPORTER", ""),
		OtelEndpoint: getEnv("FEEDSYNC_OTEL_ENDPOINT", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}

	// A heartbeat record must outlive the stale sweep threshold. If the KV
	// TTL expires the key first, the sweep never sees the dead worker and
	// the entry stays in process holding its slot.
	if cfg.HeartbeatTTL < 2*cfg.StaleBeatAfter {
		cfg.HeartbeatTTL = 2 * cfg.StaleBeatAfter
	}
	return cfg
}

// TierConfigs returns the dispatcher tier configuration, highest priority
// first.
func (c Config) TierConfigs() []dispatch.TierConfig {
	return []dispatch.TierConfig{
		{Priority: core.PriorityPlan, CandidateLimit: c.PlanCandidates, MaxQueued: c.PlanMaxQueued, Workers: c.PlanWorkers, Lookback: c.DispatchLookback},
		{Priority: core.PriorityLevel, CandidateLimit: c.LevelCandidates, MaxQueued: c.LevelMaxQueued, Workers: c.LevelWorkers, Lookback: c.DispatchLookback},
		{Priority: core.PriorityNormal, CandidateLimit: c.NormalCandidates, MaxQueued: c.NormalMaxQueued, Workers: c.NormalWorkers, Lookback: c.DispatchLookback},
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

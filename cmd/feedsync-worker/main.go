package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/kv"
	"github.com/realport/feedsync/internal/server"
	"github.com/realport/feedsync/internal/status"
	"github.com/realport/feedsync/internal/store"
	"github.com/realport/feedsync/internal/telemetry"
	"github.com/realport/feedsync/internal/transport"
	"github.com/realport/feedsync/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := server.LoadConfig()
	if cfg.SyncCommand == "" {
		slog.Error("refusing to start without a sync command", "hint", "set FEEDSYNC_SYNC_COMMAND")
		os.Exit(1)
	}

	provider, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "feedsync-worker",
	}, core.Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	conn, err := transport.Connect(cfg.NatsURL, cfg.HeartbeatTTL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL)

	slots := kv.NewSlotManager(conn.Slots, cfg.MaxSlots, slog.Default())
	beats := kv.NewHeartbeatStore(conn.Heartbeats)
	statusMgr := status.NewManager(st, slots, beats, slog.Default())
	processor := worker.NewCommandProcessor(cfg.SyncCommand, nil, cfg.SyncTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tierWorkers := map[core.Priority]int{
		core.PriorityPlan:   cfg.PlanWorkers,
		core.PriorityLevel:  cfg.LevelWorkers,
		core.PriorityNormal: cfg.NormalWorkers,
	}

	runnerCfg := worker.DefaultRunnerConfig()
	var wg sync.WaitGroup
	for _, priority := range core.AllPriorities() {
		for i := 0; i < tierWorkers[priority]; i++ {
			consumer, err := transport.NewConsumer(ctx, conn.JetStream(), priority.QueueName())
			if err != nil {
				slog.Error("failed to create consumer", "queue", priority.QueueName(), "error", err)
				os.Exit(1)
			}
			runner := worker.NewRunner(runnerCfg, worker.NewConsumerSource(consumer),
				statusMgr, beats, st, processor, slog.Default(),
				worker.WithTracer(provider.Tracer))
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := runner.Run(ctx); err != nil {
					slog.Error("runner exited", "worker_id", runner.ID(), "error", err)
				}
			}()
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down workers")
	cancel()
	wg.Wait()
	slog.Info("workers stopped")
}

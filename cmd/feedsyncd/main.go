package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/realport/feedsync/internal/api"
	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/detect"
	"github.com/realport/feedsync/internal/dispatch"
	"github.com/realport/feedsync/internal/kv"
	"github.com/realport/feedsync/internal/metrics"
	"github.com/realport/feedsync/internal/reconcile"
	"github.com/realport/feedsync/internal/scheduler"
	"github.com/realport/feedsync/internal/server"
	"github.com/realport/feedsync/internal/status"
	"github.com/realport/feedsync/internal/store"
	"github.com/realport/feedsync/internal/telemetry"
	"github.com/realport/feedsync/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := server.LoadConfig()

	provider, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "feedsyncd",
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

	metrics.Init(core.Version)

	slots := kv.NewSlotManager(conn.Slots, cfg.MaxSlots, slog.Default())
	beats := kv.NewHeartbeatStore(conn.Heartbeats)
	marks := kv.NewWatermarkStore(conn.Watermarks)
	statusMgr := status.NewManager(st, slots, beats, slog.Default())

	var (
		tiers        []dispatch.Tier
		detectQueues []detect.Queue
		apiQueues    []api.QueueReader
	)
	for _, tc := range cfg.TierConfigs() {
		q := transport.NewTicketQueue(conn.JetStream(), tc.Priority.QueueName())
		tiers = append(tiers, dispatch.Tier{Config: tc, Queue: q})
		detectQueues = append(detectQueues, q)
		apiQueues = append(apiQueues, q)
	}

	dispatcher := dispatch.NewDispatcher(tiers, st, slots, marks, slog.Default())
	detector := detect.NewDetector(detect.Config{
		StuckAfter:     cfg.StuckAfter,
		IdleAfter:      cfg.IdleAfter,
		StaleBeatAfter: cfg.StaleBeatAfter,
	}, st, statusMgr, beats, detectQueues, slog.Default())
	reconciler := reconcile.NewReconciler(slots, st, slog.Default())
	janitor := kv.SlotJanitor{Slots: slots, Durable: st}

	sched := scheduler.New(scheduler.Config{
		DispatchInterval:       cfg.DispatchInterval,
		LoopSweepInterval:      cfg.LoopSweepInterval,
		HeartbeatSweepInterval: cfg.HeartbeatSweepInterval,
		ReconcileInterval:      cfg.ReconcileInterval,
		SlotCleanupInterval:    cfg.SlotCleanupInterval,
		GaugeInterval:          cfg.DispatchInterval,
		JobTimeout:             cfg.WriteTimeout * 4,
	}, dispatcher, detector, reconciler, janitor, st, slots, slog.Default(),
		scheduler.WithTracer(provider.Tracer))
	if err := sched.Start(); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	handler := api.NewHandler(st, statusMgr, slots, janitor, beats, apiQueues, dispatcher, reconciler)
	router := server.NewRouter(handler.Routes(), map[string]server.HealthCheck{
		"store": st.Ping,
		"nats":  conn.Healthy,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("feedsync server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("feedsync.v1.Orchestrator", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("feedsync gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	sched.Stop()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

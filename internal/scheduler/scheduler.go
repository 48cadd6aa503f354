// Package scheduler runs the orchestrator's background passes on cron
// intervals: ticket dispatch, the loop and heartbeat sweeps, slot
// reconciliation, and gauge refresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/detect"
	"github.com/realport/feedsync/internal/dispatch"
	"github.com/realport/feedsync/internal/metrics"
	"github.com/realport/feedsync/internal/reconcile"
	"github.com/realport/feedsync/internal/telemetry"
)

// DispatchRunner runs one dispatch pass.
type DispatchRunner interface {
	Run(ctx context.Context) (dispatch.Report, error)
}

// Detector runs the progress sweeps.
type Detector interface {
	DetectLoops(ctx context.Context) (detect.LoopReport, error)
	SweepHeartbeats(ctx context.Context) (detect.HeartbeatReport, error)
}

// ReconcileRunner runs one reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Gauges reads the counts the gauge refresh publishes.
type Gauges interface {
	StatusCounts(ctx context.Context) (map[core.Status]int, error)
}

// SlotGauge reads the denormalized slot counter.
type SlotGauge interface {
	Counter(ctx context.Context) (int, error)
}

// SlotJanitor releases slots orphaned by crashed workers.
type SlotJanitor interface {
	CleanupExpired(ctx context.Context) ([]int64, error)
}

// Config holds the pass intervals.
type Config struct {
	DispatchInterval       time.Duration
	LoopSweepInterval      time.Duration
	HeartbeatSweepInterval time.Duration
	ReconcileInterval      time.Duration
	SlotCleanupInterval    time.Duration
	GaugeInterval          time.Duration
	JobTimeout             time.Duration
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:       30 * time.Second,
		LoopSweepInterval:      5 * time.Minute,
		HeartbeatSweepInterval: time.Minute,
		ReconcileInterval:      10 * time.Minute,
		SlotCleanupInterval:    5 * time.Minute,
		GaugeInterval:          30 * time.Second,
		JobTimeout:             time.Minute,
	}
}

// Scheduler owns the cron runner and the background passes.
type Scheduler struct {
	cfg        Config
	dispatcher DispatchRunner
	detector   Detector
	reconciler ReconcileRunner
	janitor    SlotJanitor
	gauges     Gauges
	slots      SlotGauge
	tracer     trace.Tracer
	log        *slog.Logger

	cron *cron.Cron
	stop chan struct{}
}

// Option configures optional scheduler dependencies.
type Option func(*Scheduler)

// WithTracer records a span per background pass.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New builds a scheduler; Start registers and runs the passes.
func New(cfg Config, d DispatchRunner, det Detector, rec ReconcileRunner, jan SlotJanitor, g Gauges, slots SlotGauge, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cfg:        cfg,
		dispatcher: d,
		detector:   det,
		reconciler: rec,
		janitor:    jan,
		gauges:     g,
		slots:      slots,
		tracer:     nooptrace.NewTracerProvider().Tracer(telemetry.TracerName),
		log:        log,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the cron entries and begins running them.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"dispatch", s.cfg.DispatchInterval, s.runDispatch},
		{"loop_sweep", s.cfg.LoopSweepInterval, s.runLoopSweep},
		{"heartbeat_sweep", s.cfg.HeartbeatSweepInterval, s.runHeartbeatSweep},
		{"reconcile", s.cfg.ReconcileInterval, s.runReconcile},
		{"slot_cleanup", s.cfg.SlotCleanupInterval, s.runSlotCleanup},
		{"gauges", s.cfg.GaugeInterval, s.runGauges},
	}
	for _, job := range jobs {
		job := job
		if job.interval <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := c.AddFunc(spec, func() { s.runJob(job.name, job.run) }); err != nil {
			return fmt.Errorf("register %s: %w", job.name, err)
		}
	}

	s.cron = c
	c.Start()
	s.log.Info("scheduler started",
		"dispatch_interval", s.cfg.DispatchInterval,
		"loop_sweep_interval", s.cfg.LoopSweepInterval,
		"heartbeat_sweep_interval", s.cfg.HeartbeatSweepInterval,
		"reconcile_interval", s.cfg.ReconcileInterval)
	return nil
}

// Stop halts the cron runner. Safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) runJob(name string, run func(context.Context)) {
	select {
	case <-s.stop:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "pass."+name)
	defer span.End()
	s.log.Debug("running pass", "pass", name)
	run(ctx)
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	report, err := s.dispatcher.Run(ctx)
	if err != nil {
		s.log.Error("dispatch pass failed", "error", err)
		return
	}
	for _, tier := range report.Tiers {
		metrics.TicketsDispatched.WithLabelValues(tier.Queue).Add(float64(tier.Dispatched))
		metrics.TicketsDeduped.WithLabelValues(tier.Queue).Add(float64(tier.Deduped))
		metrics.DispatchFailures.WithLabelValues(tier.Queue).Add(float64(tier.Failures))
	}
	if report.Dispatched() > 0 {
		s.log.Info("dispatch pass", "available", report.Available, "dispatched", report.Dispatched())
	}
}

func (s *Scheduler) runLoopSweep(ctx context.Context) {
	report, err := s.detector.DetectLoops(ctx)
	if err != nil {
		s.log.Error("loop sweep failed", "error", err)
		return
	}
	metrics.LoopsBroken.Add(float64(len(report.Broken)))
}

func (s *Scheduler) runHeartbeatSweep(ctx context.Context) {
	report, err := s.detector.SweepHeartbeats(ctx)
	if err != nil {
		s.log.Error("heartbeat sweep failed", "error", err)
		return
	}
	metrics.StalledResets.Add(float64(len(report.Reset)))
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	report, err := s.reconciler.Run(ctx)
	if err != nil {
		s.log.Error("reconcile pass failed", "error", err)
		return
	}
	if n := report.Corrections(); n > 0 {
		metrics.ReconcileCorrections.Add(float64(n))
		s.log.Info("reconcile pass",
			"released", report.Released, "added", report.Added,
			"counter_before", report.CounterBefore, "counter_after", report.CounterAfter)
	}
}

func (s *Scheduler) runSlotCleanup(ctx context.Context) {
	released, err := s.janitor.CleanupExpired(ctx)
	if err != nil {
		s.log.Error("slot cleanup failed", "error", err)
		return
	}
	if len(released) > 0 {
		metrics.ReconcileCorrections.Add(float64(len(released)))
		s.log.Info("slot cleanup released orphans", "integration_ids", released)
	}
}

func (s *Scheduler) runGauges(ctx context.Context) {
	counts, err := s.gauges.StatusCounts(ctx)
	if err != nil {
		s.log.Warn("status counts failed", "error", err)
	} else {
		for _, st := range core.AllStatuses() {
			metrics.QueueEntries.WithLabelValues(st.Label()).Set(float64(counts[st]))
		}
	}
	held, err := s.slots.Counter(ctx)
	if err != nil {
		s.log.Warn("slot counter read failed", "error", err)
		return
	}
	metrics.SlotsInUse.Set(float64(held))
}

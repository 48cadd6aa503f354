// Package worker consumes tier queues and drives feed processing. A runner
// admits each ticket through the status state machine, keeps a heartbeat
// alive while the processor runs, and settles the ticket according to the
// outcome. Retries are owned by the durable queue: a failed ticket is acked
// and the integration waits for the next dispatch pass.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/metrics"
	"github.com/realport/feedsync/internal/status"
	"github.com/realport/feedsync/internal/telemetry"
)

// Delivery is one ticket pulled off a queue.
type Delivery interface {
	Integration() int64
	Ack() error
	Term() error
	NakWithDelay(delay time.Duration) error
}

// Source fetches ticket deliveries from one tier queue.
type Source interface {
	Queue() string
	Fetch(ctx context.Context, count int) ([]Delivery, error)
}

// StatusManager is the state-machine surface the runner drives.
type StatusManager interface {
	MarkInProcess(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, message, details, step string) error
}

// Beater publishes worker liveness.
type Beater interface {
	Beat(ctx context.Context, id int64, step, workerID string) error
}

// Activity records durable progress timestamps.
type Activity interface {
	RecordActivity(ctx context.Context, integrationID int64, at time.Time) error
}

// Progress lets a processor report which step it is on. Each report renews
// the heartbeat and the durable activity timestamp, which is what keeps the
// loop and stall sweeps away from healthy work.
type Progress interface {
	Step(ctx context.Context, step string)
}

// Processor runs the actual feed synchronization for one integration.
type Processor interface {
	Process(ctx context.Context, integrationID int64, p Progress) error
}

// RunnerConfig holds per-runner tuning.
type RunnerConfig struct {
	// FetchBatch is how many tickets one fetch asks for.
	FetchBatch int
	// HeartbeatInterval controls background beat renewal.
	HeartbeatInterval time.Duration
	// NakDelay is the redelivery delay when no slot is free.
	NakDelay time.Duration
	// IdleWait pauses the loop after an empty fetch.
	IdleWait time.Duration
}

// DefaultRunnerConfig returns the standard tuning.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		FetchBatch:        1,
		HeartbeatInterval: 30 * time.Second,
		NakDelay:          30 * time.Second,
		IdleWait:          time.Second,
	}
}

// Runner consumes one tier queue.
type Runner struct {
	id       string
	cfg      RunnerConfig
	source   Source
	status   StatusManager
	beats    Beater
	activity Activity
	proc     Processor
	tracer   trace.Tracer
	log      *slog.Logger
}

// Option configures optional runner dependencies.
type Option func(*Runner)

// WithTracer records a consumer span per handled ticket.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner builds a runner with a fresh worker id.
func NewRunner(cfg RunnerConfig, src Source, sm StatusManager, beats Beater, activity Activity, proc Processor, log *slog.Logger, opts ...Option) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 1
	}
	id := fmt.Sprintf("%s-%s", src.Queue(), uuid.NewString()[:8])
	r := &Runner{
		id:       id,
		cfg:      cfg,
		source:   src,
		status:   sm,
		beats:    beats,
		activity: activity,
		proc:     proc,
		tracer:   nooptrace.NewTracerProvider().Tracer(telemetry.TracerName),
		log:      log.With("worker_id", id, "queue", src.Queue()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the runner's worker id.
func (r *Runner) ID() string { return r.id }

// Run consumes the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("worker stopped")
			return nil
		}
		msgs, err := r.source.Fetch(ctx, r.cfg.FetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("fetch failed", "error", err)
			r.idle(ctx)
			continue
		}
		if len(msgs) == 0 {
			r.idle(ctx)
			continue
		}
		for _, msg := range msgs {
			r.handle(ctx, msg)
		}
	}
}

func (r *Runner) idle(ctx context.Context) {
	if r.cfg.IdleWait <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.IdleWait):
	}
}

func (r *Runner) handle(ctx context.Context, msg Delivery) {
	id := msg.Integration()

	ctx, span := telemetry.StartConsumerSpan(ctx, r.tracer, "ticket.process",
		telemetry.AttrIntegrationID.Int64(id),
		telemetry.AttrQueue.String(r.source.Queue()),
		telemetry.AttrWorkerID.String(r.id),
	)
	defer span.End()

	if err := r.status.MarkInProcess(ctx, id); err != nil {
		switch {
		case errors.Is(err, status.ErrNoSlot):
			// Leave the ticket on the queue until a slot frees up.
			if nakErr := msg.NakWithDelay(r.cfg.NakDelay); nakErr != nil {
				r.log.Warn("nak failed", "integration_id", id, "error", nakErr)
			}
		case isDrop(err):
			// Already running, finished, or unknown: the ticket is stale.
			if termErr := msg.Term(); termErr != nil {
				r.log.Warn("term failed", "integration_id", id, "error", termErr)
			}
		default:
			r.log.Warn("admission failed", "integration_id", id, "error", err)
			if nakErr := msg.NakWithDelay(r.cfg.NakDelay); nakErr != nil {
				r.log.Warn("nak failed", "integration_id", id, "error", nakErr)
			}
		}
		return
	}

	started := time.Now()
	perr := r.process(ctx, id)

	if perr != nil {
		metrics.ProcessingDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		var procErr *processError
		step := ""
		details := ""
		if errors.As(perr, &procErr) {
			step = procErr.step
			details = procErr.details
		}
		span.SetAttributes(telemetry.AttrStep.String(step))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		if err := r.status.Fail(ctx, id, perr.Error(), details, step); err != nil {
			r.log.Error("fail transition failed", "integration_id", id, "error", err)
		}
		r.log.Warn("processing failed", "integration_id", id, "step", step, "error", perr)
	} else {
		metrics.ProcessingDuration.WithLabelValues("done").Observe(time.Since(started).Seconds())
		if err := r.status.Complete(ctx, id); err != nil {
			r.log.Error("complete transition failed", "integration_id", id, "error", err)
		}
	}

	if err := msg.Ack(); err != nil {
		r.log.Warn("ack failed", "integration_id", id, "error", err)
	}
}

// process runs the processor with a live heartbeat.
func (r *Runner) process(ctx context.Context, id int64) error {
	prog := &progress{runner: r, id: id, step: "start"}
	prog.renew(ctx)

	beatCtx, stopBeats := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if r.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(r.cfg.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-beatCtx.Done():
					return
				case <-ticker.C:
					prog.beat(beatCtx)
				}
			}
		}()
	}

	err := r.proc.Process(ctx, id, prog)
	stopBeats()
	wg.Wait()
	if err != nil {
		return &processError{err: err, step: prog.current(), details: detailsOf(err)}
	}
	return nil
}

// progress tracks the current step and renews liveness state.
type progress struct {
	runner *Runner
	id     int64

	mu   sync.Mutex
	step string
}

func (p *progress) Step(ctx context.Context, step string) {
	p.mu.Lock()
	p.step = step
	p.mu.Unlock()
	p.renew(ctx)
}

func (p *progress) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// renew refreshes both the heartbeat and the durable activity timestamp.
func (p *progress) renew(ctx context.Context) {
	p.beat(ctx)
	if err := p.runner.activity.RecordActivity(ctx, p.id, time.Now().UTC()); err != nil {
		p.runner.log.Warn("activity record failed", "integration_id", p.id, "error", err)
	}
}

func (p *progress) beat(ctx context.Context) {
	if err := p.runner.beats.Beat(ctx, p.id, p.current(), p.runner.id); err != nil {
		p.runner.log.Warn("heartbeat failed", "integration_id", p.id, "error", err)
	}
}

// processError carries the step and detail context of a processing failure.
type processError struct {
	err     error
	step    string
	details string
}

func (e *processError) Error() string { return e.err.Error() }
func (e *processError) Unwrap() error { return e.err }

func detailsOf(err error) string {
	var coreErr *core.Error
	if errors.As(err, &coreErr) && len(coreErr.Details) > 0 {
		return fmt.Sprintf("%v", coreErr.Details)
	}
	var outErr *OutputError
	if errors.As(err, &outErr) {
		return outErr.Output
	}
	return ""
}

// isDrop reports whether an admission error means the ticket is stale and
// should be removed rather than retried.
func isDrop(err error) bool {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		return false
	}
	return coreErr.Code == core.ErrCodeConflict || coreErr.Code == core.ErrCodeNotFound
}

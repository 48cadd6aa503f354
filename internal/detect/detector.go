// Package detect finds integrations that stopped making progress. Two sweeps
// run on the scheduler: a loop sweep that stops long-running work whose
// ticket is still circulating on a queue, and a heartbeat sweep that returns
// work to pending when its worker went silent.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/realport/feedsync/internal/core"
)

// Store is the durable-store surface the sweeps read.
type Store interface {
	ListInProcessStartedBefore(ctx context.Context, cutoff time.Time) ([]core.QueueEntry, error)
	InProcessIDs(ctx context.Context) (map[int64]struct{}, error)
	ActiveSince(ctx context.Context, integrationID int64, since time.Time) (bool, error)
}

// StatusManager applies the guarded transitions the sweeps trigger.
type StatusManager interface {
	Stop(ctx context.Context, id int64, message, step string) (bool, error)
	ResetStalled(ctx context.Context, id int64, reason string) (bool, error)
}

// Heartbeats is the heartbeat-store surface the sweeps read.
type Heartbeats interface {
	All(ctx context.Context) ([]core.Heartbeat, error)
	Delete(ctx context.Context, id int64) error
}

// Queue is the per-tier queue surface the loop sweep inspects and purges.
type Queue interface {
	Queue() string
	Pending(ctx context.Context) ([]core.Ticket, error)
	Purge(ctx context.Context, integrationID int64) (int, error)
}

// Config holds the sweep thresholds.
type Config struct {
	// StuckAfter is how long an integration may stay in process before the
	// loop sweep considers it.
	StuckAfter time.Duration
	// IdleAfter is how long without recorded activity counts as idle.
	IdleAfter time.Duration
	// StaleBeatAfter is how old a heartbeat may be before its worker is
	// presumed dead.
	StaleBeatAfter time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		StuckAfter:     30 * time.Minute,
		IdleAfter:      15 * time.Minute,
		StaleBeatAfter: 5 * time.Minute,
	}
}

// LoopReport summarizes one loop sweep.
type LoopReport struct {
	Examined int     `json:"examined"`
	Broken   []int64 `json:"broken,omitempty"`
	Failures int     `json:"failures"`
}

// HeartbeatReport summarizes one heartbeat sweep.
type HeartbeatReport struct {
	Examined int     `json:"examined"`
	Reset    []int64 `json:"reset,omitempty"`
	Orphans  int     `json:"orphans"`
	Failures int     `json:"failures"`
}

// Detector runs the progress sweeps.
type Detector struct {
	cfg    Config
	store  Store
	status StatusManager
	beats  Heartbeats
	queues []Queue
	log    *slog.Logger
	now    func() time.Time
}

// NewDetector builds a detector over all tier queues.
func NewDetector(cfg Config, st Store, status StatusManager, beats Heartbeats, queues []Queue, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		store:  st,
		status: status,
		beats:  beats,
		queues: queues,
		log:    log,
		now:    time.Now,
	}
}

// DetectLoops stops integrations that have been in process past the stuck
// threshold, recorded no activity in the idle window, and still have a
// ticket circulating on a queue. All three together indicate the worker is
// re-enqueueing the same feed instead of finishing it.
func (d *Detector) DetectLoops(ctx context.Context) (LoopReport, error) {
	var report LoopReport
	now := d.now().UTC()

	stuck, err := d.store.ListInProcessStartedBefore(ctx, now.Add(-d.cfg.StuckAfter))
	if err != nil {
		return report, fmt.Errorf("list stuck: %w", err)
	}
	report.Examined = len(stuck)
	if len(stuck) == 0 {
		return report, nil
	}

	queued, err := d.queuedIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, entry := range stuck {
		id := entry.IntegrationID
		if _, ok := queued[id]; !ok {
			continue
		}
		active, err := d.store.ActiveSince(ctx, id, now.Add(-d.cfg.IdleAfter))
		if err != nil {
			report.Failures++
			d.log.Warn("activity lookup failed", "integration_id", id, "error", err)
			continue
		}
		if active {
			continue
		}

		applied, err := d.status.Stop(ctx, id,
			"processing loop detected: idle in process with ticket still queued", "loop_sweep")
		if err != nil {
			report.Failures++
			d.log.Warn("loop break failed", "integration_id", id, "error", err)
			continue
		}
		if !applied {
			// Entry moved on while the sweep ran.
			continue
		}
		d.purgeAll(ctx, id)
		report.Broken = append(report.Broken, id)
		d.log.Warn("processing loop broken",
			"integration_id", id, "started_at", entry.StartedAt)
	}
	return report, nil
}

// SweepHeartbeats resets integrations whose heartbeat has gone stale while
// the durable record still shows them in process, and deletes heartbeats
// orphaned by finished work.
func (d *Detector) SweepHeartbeats(ctx context.Context) (HeartbeatReport, error) {
	var report HeartbeatReport
	now := d.now().UTC()

	beats, err := d.beats.All(ctx)
	if err != nil {
		return report, fmt.Errorf("list heartbeats: %w", err)
	}
	report.Examined = len(beats)
	if len(beats) == 0 {
		return report, nil
	}

	inProcess, err := d.store.InProcessIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list in-process: %w", err)
	}

	for _, beat := range beats {
		if now.Sub(beat.LastBeat) < d.cfg.StaleBeatAfter {
			continue
		}
		id := beat.IntegrationID
		if _, ok := inProcess[id]; !ok {
			// The work finished but the heartbeat outlived it.
			if err := d.beats.Delete(ctx, id); err != nil {
				report.Failures++
				d.log.Warn("orphan heartbeat delete failed", "integration_id", id, "error", err)
				continue
			}
			report.Orphans++
			continue
		}

		applied, err := d.status.ResetStalled(ctx, id,
			fmt.Sprintf("worker %s silent since %s", beat.WorkerID, beat.LastBeat.UTC().Format(core.TimeFormat)))
		if err != nil {
			report.Failures++
			d.log.Warn("stalled reset failed", "integration_id", id, "error", err)
			continue
		}
		if applied {
			report.Reset = append(report.Reset, id)
			d.log.Warn("stalled integration reset",
				"integration_id", id, "worker_id", beat.WorkerID, "step", beat.Step)
		}
	}
	return report, nil
}

func (d *Detector) queuedIDs(ctx context.Context) (map[int64]struct{}, error) {
	queued := make(map[int64]struct{})
	for _, q := range d.queues {
		tickets, err := q.Pending(ctx)
		if err != nil {
			return nil, fmt.Errorf("pending tickets %s: %w", q.Queue(), err)
		}
		for _, t := range tickets {
			queued[t.IntegrationID] = struct{}{}
		}
	}
	return queued, nil
}

func (d *Detector) purgeAll(ctx context.Context, id int64) {
	for _, q := range d.queues {
		if _, err := q.Purge(ctx, id); err != nil {
			d.log.Warn("ticket purge failed", "queue", q.Queue(), "integration_id", id, "error", err)
		}
	}
}

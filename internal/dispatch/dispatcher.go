// Package dispatch scans pending integrations and emits tickets onto the
// tier queues. Each tier is scanned newest-first from a persisted watermark,
// deduplicated against tickets already queued and work already in process,
// and capped by the free concurrency slots so the queues never hold more
// work than the workers can admit.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/realport/feedsync/internal/core"
)

// TicketQueue is the per-tier queue surface the dispatcher publishes to.
type TicketQueue interface {
	Queue() string
	Publish(ctx context.Context, t core.Ticket) error
	Pending(ctx context.Context) ([]core.Ticket, error)
}

// Store is the durable-store surface the dispatcher reads.
type Store interface {
	ListPending(ctx context.Context, priority core.Priority, watermark time.Time, limit int) ([]core.QueueEntry, error)
	InProcessIDs(ctx context.Context) (map[int64]struct{}, error)
}

// Slots reports the free concurrency budget.
type Slots interface {
	Stats(ctx context.Context) (core.SlotStats, error)
}

// Watermarks persists the per-queue scan position.
type Watermarks interface {
	Get(ctx context.Context, queue string) (time.Time, bool, error)
	Set(ctx context.Context, queue string, t time.Time) error
}

// Eligibility optionally filters candidates against external integration
// configuration, e.g. feeds disabled since they were enqueued.
type Eligibility interface {
	FilterEligible(ctx context.Context, ids []int64) ([]int64, error)
}

// TierConfig describes one dispatch tier.
type TierConfig struct {
	// Priority selects the durable rows this tier scans.
	Priority core.Priority
	// CandidateLimit bounds how many pending rows one pass considers.
	CandidateLimit int
	// Workers is the fetch concurrency the worker runner uses for this
	// tier's queue.
	Workers int
	// MaxQueued caps tickets waiting on this tier's queue; 0 means no
	// per-tier cap beyond the shared slot budget.
	MaxQueued int
	// Lookback seeds the watermark when none is persisted yet.
	Lookback time.Duration
}

// DefaultTiers returns the standard tier layout, highest priority first.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Priority: core.PriorityPlan, CandidateLimit: 100, Workers: 2, MaxQueued: 2, Lookback: 24 * time.Hour},
		{Priority: core.PriorityLevel, CandidateLimit: 50, Workers: 2, MaxQueued: 2, Lookback: 24 * time.Hour},
		{Priority: core.PriorityNormal, CandidateLimit: 20, Workers: 3, MaxQueued: 3, Lookback: 24 * time.Hour},
	}
}

// Tier pairs a tier's config with its queue.
type Tier struct {
	Config TierConfig
	Queue  TicketQueue
}

// TierReport summarizes one tier's pass.
type TierReport struct {
	Queue      string `json:"queue"`
	Candidates int    `json:"candidates"`
	Deduped    int    `json:"deduped"`
	Dispatched int    `json:"dispatched"`
	Failures   int    `json:"failures"`
}

// Report summarizes one dispatch pass across all tiers.
type Report struct {
	Available int          `json:"available"`
	Tiers     []TierReport `json:"tiers"`
}

// Dispatched returns the total tickets emitted across tiers.
func (r Report) Dispatched() int {
	n := 0
	for _, t := range r.Tiers {
		n += t.Dispatched
	}
	return n
}

// Dispatcher runs the tiered scan-and-emit pass.
type Dispatcher struct {
	tiers       []Tier
	store       Store
	slots       Slots
	watermarks  Watermarks
	eligibility Eligibility
	// overlap is subtracted from the pass start when advancing the
	// watermark, so rows updated while the pass ran are rescanned.
	overlap time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEligibility installs a candidate filter.
func WithEligibility(e Eligibility) Option {
	return func(d *Dispatcher) { d.eligibility = e }
}

// WithOverlap overrides the watermark overlap window.
func WithOverlap(overlap time.Duration) Option {
	return func(d *Dispatcher) { d.overlap = overlap }
}

// NewDispatcher builds a dispatcher over the given tiers, ordered highest
// priority first.
func NewDispatcher(tiers []Tier, st Store, slots Slots, wm Watermarks, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		tiers:      tiers,
		store:      st,
		slots:      slots,
		watermarks: wm,
		overlap:    5 * time.Minute,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one dispatch pass. Per-item failures are logged and counted;
// only store-level failures abort the pass.
func (d *Dispatcher) Run(ctx context.Context) (Report, error) {
	stats, err := d.slots.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("slot stats: %w", err)
	}
	inProcess, err := d.store.InProcessIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list in-process: %w", err)
	}

	report := Report{Available: stats.Available}
	budget := stats.Available
	for _, tier := range d.tiers {
		tr, err := d.runTier(ctx, tier, inProcess, &budget)
		if err != nil {
			return report, err
		}
		report.Tiers = append(report.Tiers, tr)
	}
	return report, nil
}

func (d *Dispatcher) runTier(ctx context.Context, tier Tier, inProcess map[int64]struct{}, budget *int) (TierReport, error) {
	queue := tier.Queue.Queue()
	tr := TierReport{Queue: queue}
	passStart := d.now().UTC()

	watermark, found, err := d.watermarks.Get(ctx, queue)
	if err != nil {
		return tr, fmt.Errorf("watermark %s: %w", queue, err)
	}
	if !found {
		watermark = passStart.Add(-tier.Config.Lookback)
	}

	candidates, err := d.store.ListPending(ctx, tier.Config.Priority, watermark, tier.Config.CandidateLimit)
	if err != nil {
		return tr, fmt.Errorf("list pending %s: %w", queue, err)
	}
	tr.Candidates = len(candidates)

	candidates, skipped, err := d.filterEligible(ctx, candidates)
	if err != nil {
		return tr, err
	}
	tr.Deduped += skipped

	queued, err := tier.Queue.Pending(ctx)
	if err != nil {
		return tr, fmt.Errorf("pending tickets %s: %w", queue, err)
	}
	ticketed := make(map[int64]struct{}, len(queued))
	for _, t := range queued {
		ticketed[t.IntegrationID] = struct{}{}
	}

	// Per-tier backpressure: never hold more tickets on the queue than the
	// tier's cap allows, on top of the shared slot budget.
	tierBudget := -1
	if tier.Config.MaxQueued > 0 {
		tierBudget = tier.Config.MaxQueued - len(queued)
		if tierBudget < 0 {
			tierBudget = 0
		}
	}

	for _, entry := range candidates {
		if _, ok := ticketed[entry.IntegrationID]; ok {
			tr.Deduped++
			continue
		}
		if _, ok := inProcess[entry.IntegrationID]; ok {
			tr.Deduped++
			continue
		}
		if *budget <= 0 || tierBudget == 0 {
			break
		}
		if err := tier.Queue.Publish(ctx, core.Ticket{IntegrationID: entry.IntegrationID}); err != nil {
			tr.Failures++
			d.log.Warn("ticket publish failed",
				"queue", queue, "integration_id", entry.IntegrationID, "error", err)
			continue
		}
		ticketed[entry.IntegrationID] = struct{}{}
		tr.Dispatched++
		*budget--
		if tierBudget > 0 {
			tierBudget--
		}
	}

	d.advanceWatermark(ctx, queue, watermark, found, passStart)
	return tr, nil
}

func (d *Dispatcher) filterEligible(ctx context.Context, candidates []core.QueueEntry) ([]core.QueueEntry, int, error) {
	if d.eligibility == nil || len(candidates) == 0 {
		return candidates, 0, nil
	}
	ids := make([]int64, len(candidates))
	for i, e := range candidates {
		ids[i] = e.IntegrationID
	}
	eligible, err := d.eligibility.FilterEligible(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("filter eligible: %w", err)
	}
	allowed := make(map[int64]struct{}, len(eligible))
	for _, id := range eligible {
		allowed[id] = struct{}{}
	}
	kept := candidates[:0]
	skipped := 0
	for _, e := range candidates {
		if _, ok := allowed[e.IntegrationID]; ok {
			kept = append(kept, e)
		} else {
			skipped++
		}
	}
	return kept, skipped, nil
}

// advanceWatermark moves the scan position to the pass start minus the
// overlap window. It never moves backwards, and a write failure only costs
// rescanning on the next pass.
func (d *Dispatcher) advanceWatermark(ctx context.Context, queue string, prev time.Time, found bool, passStart time.Time) {
	next := passStart.Add(-d.overlap)
	if found && !next.After(prev) {
		return
	}
	if err := d.watermarks.Set(ctx, queue, next); err != nil {
		d.log.Warn("watermark update failed", "queue", queue, "error", err)
	}
}

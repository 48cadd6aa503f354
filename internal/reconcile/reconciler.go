// Package reconcile heals drift between the slot store and the durable
// queue. The durable store is the source of truth: slot members with no
// in-process row are released, in-process rows with no slot are force-added,
// and the denormalized counter is rewritten to the corrected set size.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
)

// Slots is the slot-manager surface the reconciler corrects.
type Slots interface {
	Members(ctx context.Context) ([]int64, error)
	Counter(ctx context.Context) (int, error)
	SetCounter(ctx context.Context, n int) error
	Release(ctx context.Context, id int64) error
	ForceSync(ctx context.Context, id int64) error
}

// Store is the durable-store surface the reconciler trusts.
type Store interface {
	InProcessIDs(ctx context.Context) (map[int64]struct{}, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Released      []int64 `json:"released,omitempty"`
	Added         []int64 `json:"added,omitempty"`
	CounterBefore int     `json:"counter_before"`
	CounterAfter  int     `json:"counter_after"`
	Failures      int     `json:"failures"`
}

// Corrections returns the number of drift fixes the pass applied.
func (r Report) Corrections() int {
	n := len(r.Released) + len(r.Added)
	if r.CounterBefore != r.CounterAfter {
		n++
	}
	return n
}

// Reconciler aligns the slot store with the durable queue.
type Reconciler struct {
	slots Slots
	store Store
	log   *slog.Logger
}

// NewReconciler wires the reconciler to its stores.
func NewReconciler(slots Slots, st Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{slots: slots, store: st, log: log}
}

// Run executes one pass. Individual slot corrections are logged and counted;
// only reads abort the pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	members, err := r.slots.Members(ctx)
	if err != nil {
		return report, fmt.Errorf("slot members: %w", err)
	}
	inProcess, err := r.store.InProcessIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list in-process: %w", err)
	}
	counter, err := r.slots.Counter(ctx)
	if err != nil {
		return report, fmt.Errorf("slot counter: %w", err)
	}
	report.CounterBefore = counter

	held := make(map[int64]struct{}, len(members))
	for _, id := range members {
		held[id] = struct{}{}
	}

	for _, id := range members {
		if _, ok := inProcess[id]; ok {
			continue
		}
		if err := r.slots.Release(ctx, id); err != nil {
			report.Failures++
			r.log.Warn("orphan slot release failed", "integration_id", id, "error", err)
			continue
		}
		delete(held, id)
		report.Released = append(report.Released, id)
		r.log.Info("released orphan slot", "integration_id", id)
	}

	for id := range inProcess {
		if _, ok := held[id]; ok {
			continue
		}
		if err := r.slots.ForceSync(ctx, id); err != nil {
			report.Failures++
			r.log.Warn("slot force-sync failed", "integration_id", id, "error", err)
			continue
		}
		held[id] = struct{}{}
		report.Added = append(report.Added, id)
		r.log.Info("restored missing slot", "integration_id", id)
	}

	// Release and ForceSync adjust the counter best-effort; rewrite it so
	// accumulated drift does not survive the pass.
	want := len(held)
	report.CounterAfter = want
	counter, err = r.slots.Counter(ctx)
	if err != nil {
		return report, fmt.Errorf("slot counter recheck: %w", err)
	}
	if counter != want {
		if err := r.slots.SetCounter(ctx, want); err != nil {
			report.Failures++
			report.CounterAfter = counter
			r.log.Warn("counter rewrite failed", "want", want, "have", counter, "error", err)
		} else {
			r.log.Info("corrected slot counter", "from", counter, "to", want)
		}
	}
	return report, nil
}

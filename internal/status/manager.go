// Package status drives the durable processing state machine for feed
// integrations. Every transition that touches both stores writes the durable
// record first and cleans up ephemeral slot/heartbeat state best-effort
// afterwards; the reconciler heals the non-atomic gap.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/store"
)

// ErrNoSlot indicates the global concurrency budget is exhausted; the caller
// should leave the ticket queued and try again later.
var ErrNoSlot = errors.New("status: no concurrency slot available")

// Slots is the slot-manager surface the state machine needs.
type Slots interface {
	Acquire(ctx context.Context, id int64) (bool, error)
	Release(ctx context.Context, id int64) error
}

// Heartbeats is the heartbeat-store surface the state machine needs.
type Heartbeats interface {
	Delete(ctx context.Context, id int64) error
}

// Manager applies guarded status transitions.
type Manager struct {
	store *store.Store
	slots Slots
	beats Heartbeats
	log   *slog.Logger
}

// NewManager wires the state machine to its stores.
func NewManager(st *store.Store, slots Slots, beats Heartbeats, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, slots: slots, beats: beats, log: log}
}

// MarkInProcess transitions pending -> in_process, guarded by slot
// acquisition. Returns ErrNoSlot when the budget is exhausted.
func (m *Manager) MarkInProcess(ctx context.Context, id int64) error {
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.NewNotFoundError("integration", id)
		}
		return err
	}
	if entry.Status != core.StatusPending {
		return core.NewConflictError(
			fmt.Sprintf("cannot start integration in status %q", entry.Status),
			map[string]any{"integration_id": id, "status": entry.Status.Label()},
		)
	}

	ok, err := m.slots.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	if !ok {
		return ErrNoSlot
	}

	applied, err := m.store.MarkInProcess(ctx, id, time.Now().UTC())
	if err != nil {
		m.releaseQuietly(ctx, id)
		return err
	}
	if !applied {
		// Lost a race: someone else moved the entry first.
		m.releaseQuietly(ctx, id)
		return core.NewConflictError(
			"integration left pending before the transition applied",
			map[string]any{"integration_id": id},
		)
	}
	return nil
}

// Complete transitions in_process -> done, then releases the slot and
// deletes the heartbeat.
func (m *Manager) Complete(ctx context.Context, id int64) error {
	applied, err := m.store.MarkDone(ctx, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return core.NewConflictError(
			"cannot complete integration that is not in process",
			map[string]any{"integration_id": id},
		)
	}
	m.cleanupEphemeral(ctx, id)
	return nil
}

// Fail transitions in_process -> error, records the failure, increments
// attempts, then releases the slot and deletes the heartbeat.
func (m *Manager) Fail(ctx context.Context, id int64, message, details, step string) error {
	applied, err := m.store.MarkError(ctx, id, message, details, step, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return core.NewConflictError(
			"cannot fail integration that is not in process",
			map[string]any{"integration_id": id},
		)
	}
	m.cleanupEphemeral(ctx, id)
	return nil
}

// Stop transitions in_process -> stopped with a diagnostic. Returns false
// without error when the entry was no longer in process, which lets callers
// re-check their precondition at the moment of mutation.
func (m *Manager) Stop(ctx context.Context, id int64, message, step string) (bool, error) {
	applied, err := m.store.MarkStopped(ctx, id, message, step, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if applied {
		m.cleanupEphemeral(ctx, id)
	}
	return applied, nil
}

// ResetToPending returns a terminal entry (done, stopped, error) to pending.
// Timing and error fields are cleared; attempts is left untouched. Callers
// that attribute the reset to a failure use ResetStalled instead.
func (m *Manager) ResetToPending(ctx context.Context, id int64, reason string) error {
	applied, err := m.store.ResetToPending(ctx, id, reason)
	if err != nil {
		return err
	}
	if !applied {
		entry, getErr := m.store.Get(ctx, id)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				return core.NewNotFoundError("integration", id)
			}
			return getErr
		}
		return core.NewConflictError(
			fmt.Sprintf("cannot reset integration in status %q", entry.Status),
			map[string]any{"integration_id": id, "status": entry.Status.Label()},
		)
	}
	return nil
}

// ResetStalled returns a stalled in_process entry to pending, increments
// attempts, and clears its ephemeral state. Returns false when the entry had
// already left in_process.
func (m *Manager) ResetStalled(ctx context.Context, id int64, reason string) (bool, error) {
	applied, err := m.store.ResetStalled(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if applied {
		m.cleanupEphemeral(ctx, id)
	}
	return applied, nil
}

func (m *Manager) cleanupEphemeral(ctx context.Context, id int64) {
	m.releaseQuietly(ctx, id)
	if err := m.beats.Delete(ctx, id); err != nil {
		m.log.Warn("heartbeat delete failed", "integration_id", id, "error", err)
	}
}

func (m *Manager) releaseQuietly(ctx context.Context, id int64) {
	if err := m.slots.Release(ctx, id); err != nil {
		m.log.Warn("slot release failed", "integration_id", id, "error", err)
	}
}

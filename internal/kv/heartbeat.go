package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/realport/feedsync/internal/core"
)

// HeartbeatStore persists per-integration liveness records in a TTL'd KV
// bucket. Writes are single-owner (one worker per integration), so
// last-writer-wins puts are safe; no CAS is needed here.
type HeartbeatStore struct {
	store *Store
}

// NewHeartbeatStore wraps the heartbeat bucket.
func NewHeartbeatStore(store *Store) *HeartbeatStore {
	return &HeartbeatStore{store: store}
}

// Beat upserts the heartbeat record for an integration with a fresh bucket
// TTL. Called by the worker during long-running steps, never by the
// scheduler.
func (h *HeartbeatStore) Beat(ctx context.Context, id int64, step, workerID string) error {
	rec := core.Heartbeat{
		IntegrationID: id,
		WorkerID:      workerID,
		Step:          step,
		LastBeat:      time.Now().UTC(),
	}
	if _, err := h.store.PutJSON(ctx, strconv.FormatInt(id, 10), &rec); err != nil {
		return fmt.Errorf("write heartbeat for %d: %w", id, err)
	}
	return nil
}

// Get returns the heartbeat record for an integration, or found=false.
func (h *HeartbeatStore) Get(ctx context.Context, id int64) (core.Heartbeat, bool, error) {
	var rec core.Heartbeat
	_, err := h.store.GetJSON(ctx, strconv.FormatInt(id, 10), &rec)
	if err != nil {
		if isKeyNotFound(err) {
			return core.Heartbeat{}, false, nil
		}
		return core.Heartbeat{}, false, fmt.Errorf("read heartbeat for %d: %w", id, err)
	}
	return rec, true, nil
}

// Delete removes the heartbeat record for an integration. Idempotent.
func (h *HeartbeatStore) Delete(ctx context.Context, id int64) error {
	return h.store.Delete(ctx, strconv.FormatInt(id, 10))
}

// All returns every live heartbeat record, ordered by integration id.
func (h *HeartbeatStore) All(ctx context.Context) ([]core.Heartbeat, error) {
	keys, err := h.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat keys: %w", err)
	}

	var beats []core.Heartbeat
	for _, key := range keys {
		var rec core.Heartbeat
		if _, err := h.store.GetJSON(ctx, key, &rec); err != nil {
			// Key may have expired between the listing and the read.
			continue
		}
		beats = append(beats, rec)
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].IntegrationID < beats[j].IntegrationID })
	return beats, nil
}

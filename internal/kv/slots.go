package kv

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/realport/feedsync/internal/core"
)

const (
	slotMembersKey = "members"
	slotCounterKey = "count"
)

// slotSet is the JSON document holding the slot members, keyed by
// integration id with the acquisition timestamp as value.
type slotSet map[string]string

// ProcessingLister reports which integrations the durable store currently
// considers in process. Satisfied by the sqlite store.
type ProcessingLister interface {
	InProcessIDs(ctx context.Context) (map[int64]struct{}, error)
}

// SlotManager is the admission controller over the bounded global
// concurrency budget. The member set lives under one CAS-guarded key, so an
// acquire can never push the set past the cap. The counter is a separate
// denormalized key updated after the set write; it can drift and the
// reconciler resyncs it, with the set as the source of truth.
type SlotManager struct {
	store *Store
	max   int
	log   *slog.Logger
}

// NewSlotManager creates a SlotManager with the given global cap.
func NewSlotManager(store *Store, max int, log *slog.Logger) *SlotManager {
	if log == nil {
		log = slog.Default()
	}
	return &SlotManager{store: store, max: max, log: log}
}

// Max returns the configured global cap.
func (m *SlotManager) Max() int { return m.max }

// Acquire atomically adds id to the slot set and increments the counter iff
// the set is below the cap. Returns false when the budget is exhausted.
// Acquiring an id that already holds a slot is a no-op success.
func (m *SlotManager) Acquire(ctx context.Context, id int64) (bool, error) {
	key := strconv.FormatInt(id, 10)
	acquired := false
	alreadyHeld := false

	err := UpdateJSON(ctx, m.store, slotMembersKey, func(set slotSet, exists bool) (slotSet, bool) {
		if set == nil {
			set = slotSet{}
		}
		if _, ok := set[key]; ok {
			alreadyHeld = true
			return nil, false
		}
		if len(set) >= m.max {
			return nil, false
		}
		set[key] = core.NowFormatted()
		acquired = true
		return set, true
	})
	if err != nil {
		return false, fmt.Errorf("acquire slot %d: %w", id, err)
	}
	if alreadyHeld {
		return true, nil
	}
	if !acquired {
		return false, nil
	}
	m.bumpCounter(ctx, 1)
	return true, nil
}

// Release removes id from the slot set and decrements the counter, floored
// at zero. Releasing an id that holds no slot is a no-op.
func (m *SlotManager) Release(ctx context.Context, id int64) error {
	key := strconv.FormatInt(id, 10)
	removed := false

	err := UpdateJSON(ctx, m.store, slotMembersKey, func(set slotSet, exists bool) (slotSet, bool) {
		if !exists {
			return nil, false
		}
		if _, ok := set[key]; !ok {
			return nil, false
		}
		delete(set, key)
		removed = true
		return set, true
	})
	if err != nil {
		return fmt.Errorf("release slot %d: %w", id, err)
	}
	if removed {
		m.bumpCounter(ctx, -1)
	}
	return nil
}

// ForceSync unconditionally adds id to the slot set, bypassing the cap.
// Used only by the reconciler when the durable store says an integration is
// processing but the slot store lost track of it.
func (m *SlotManager) ForceSync(ctx context.Context, id int64) error {
	key := strconv.FormatInt(id, 10)
	added := false

	err := UpdateJSON(ctx, m.store, slotMembersKey, func(set slotSet, exists bool) (slotSet, bool) {
		if set == nil {
			set = slotSet{}
		}
		if _, ok := set[key]; ok {
			return nil, false
		}
		set[key] = core.NowFormatted()
		added = true
		return set, true
	})
	if err != nil {
		return fmt.Errorf("force-sync slot %d: %w", id, err)
	}
	if added {
		m.bumpCounter(ctx, 1)
	}
	return nil
}

// Members returns the integration ids currently holding a slot, ascending.
func (m *SlotManager) Members(ctx context.Context) ([]int64, error) {
	var set slotSet
	_, err := m.store.GetJSON(ctx, slotMembersKey, &set)
	if err != nil {
		if isKeyNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read slot members: %w", err)
	}
	ids := make([]int64, 0, len(set))
	for key := range set {
		id, convErr := strconv.ParseInt(key, 10, 64)
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Counter returns the denormalized slot counter.
func (m *SlotManager) Counter(ctx context.Context) (int, error) {
	data, _, err := m.store.Get(ctx, slotCounterKey)
	if err != nil {
		if isKeyNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read slot counter: %w", err)
	}
	n, convErr := strconv.Atoi(string(data))
	if convErr != nil {
		return 0, fmt.Errorf("decode slot counter %q: %w", data, convErr)
	}
	return n, nil
}

// SetCounter overwrites the counter. Used by the reconciler to resync it to
// the set's actual cardinality.
func (m *SlotManager) SetCounter(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	if _, err := m.store.Put(ctx, slotCounterKey, []byte(strconv.Itoa(n))); err != nil {
		return fmt.Errorf("set slot counter: %w", err)
	}
	return nil
}

// Stats returns a point-in-time view of the slot set.
func (m *SlotManager) Stats(ctx context.Context) (core.SlotStats, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return core.SlotStats{}, err
	}
	count, err := m.Counter(ctx)
	if err != nil {
		return core.SlotStats{}, err
	}
	available := m.max - count
	if available < 0 {
		available = 0
	}
	return core.SlotStats{Count: count, Members: members, Available: available}, nil
}

// CleanupExpired releases every slot whose integration the durable store no
// longer shows as in process. Recovers slots orphaned by workers that
// crashed before calling Release. Returns the released ids.
func (m *SlotManager) CleanupExpired(ctx context.Context, durable ProcessingLister) ([]int64, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	inProcess, err := durable.InProcessIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in-process entries: %w", err)
	}

	var released []int64
	for _, id := range members {
		if _, ok := inProcess[id]; ok {
			continue
		}
		if err := m.Release(ctx, id); err != nil {
			m.log.Warn("slot cleanup release failed", "integration_id", id, "error", err)
			continue
		}
		released = append(released, id)
	}
	return released, nil
}

// SlotJanitor binds a SlotManager to the durable store so callers that only
// want the cleanup pass do not need to carry both dependencies.
type SlotJanitor struct {
	Slots   *SlotManager
	Durable ProcessingLister
}

// CleanupExpired releases slots held by integrations the durable store no
// longer shows as in process.
func (j SlotJanitor) CleanupExpired(ctx context.Context) ([]int64, error) {
	return j.Slots.CleanupExpired(ctx, j.Durable)
}

// bumpCounter adjusts the denormalized counter, floored at zero. Counter
// writes are best effort; a failed bump leaves drift for the reconciler.
func (m *SlotManager) bumpCounter(ctx context.Context, delta int) {
	for i := 0; i < casAttempts; i++ {
		data, rev, err := m.store.Get(ctx, slotCounterKey)
		if err != nil {
			if !isKeyNotFound(err) {
				m.log.Warn("slot counter read failed", "error", err)
				return
			}
			n := delta
			if n < 0 {
				n = 0
			}
			if _, cErr := m.store.Create(ctx, slotCounterKey, []byte(strconv.Itoa(n))); cErr == nil {
				return
			}
			continue
		}
		n, _ := strconv.Atoi(string(data))
		n += delta
		if n < 0 {
			n = 0
		}
		if _, uErr := m.store.Update(ctx, slotCounterKey, []byte(strconv.Itoa(n)), rev); uErr == nil {
			return
		}
	}
	m.log.Warn("slot counter update lost races, leaving drift for reconciler", "delta", delta)
}

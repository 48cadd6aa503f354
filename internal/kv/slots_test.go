package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestSlots(t *testing.T, max int) *SlotManager {
	t.Helper()
	return NewSlotManager(NewStore(newMemBucket()), max, nil)
}

func TestSlotManager_AcquireRespectsCap(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 2)

	for _, id := range []int64{10, 11} {
		ok, err := slots.Acquire(ctx, id)
		if err != nil {
			t.Fatalf("Acquire(%d) error = %v", id, err)
		}
		if !ok {
			t.Fatalf("Acquire(%d) = false, want true", id)
		}
	}

	ok, err := slots.Acquire(ctx, 12)
	if err != nil {
		t.Fatalf("Acquire(12) error = %v", err)
	}
	if ok {
		t.Error("Acquire(12) = true over cap, want false")
	}

	members, err := slots.Members(ctx)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Members() len = %d, want 2", len(members))
	}
}

func TestSlotManager_AcquireIdempotentForHolder(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 1)

	if ok, _ := slots.Acquire(ctx, 5); !ok {
		t.Fatal("first Acquire(5) = false, want true")
	}
	ok, err := slots.Acquire(ctx, 5)
	if err != nil {
		t.Fatalf("second Acquire(5) error = %v", err)
	}
	if !ok {
		t.Error("second Acquire(5) = false, want true (already holds slot)")
	}
	count, _ := slots.Counter(ctx)
	if count != 1 {
		t.Errorf("Counter() = %d after double acquire, want 1", count)
	}
}

func TestSlotManager_AcquireNeverExceedsCapConcurrently(t *testing.T) {
	ctx := context.Background()
	const max = 5
	const callers = 40
	slots := newTestSlots(t, max)

	var wg sync.WaitGroup
	acquired := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		id := int64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := slots.Acquire(ctx, id)
			if err != nil && !errors.Is(err, ErrCASExhausted) {
				t.Errorf("Acquire(%d) error = %v", id, err)
				return
			}
			if ok {
				acquired <- id
			}
		}()
	}
	wg.Wait()
	close(acquired)

	got := 0
	for range acquired {
		got++
	}
	if got > max {
		t.Errorf("concurrent acquires admitted %d callers, cap is %d", got, max)
	}
	members, err := slots.Members(ctx)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) > max {
		t.Errorf("slot set size = %d, exceeds cap %d", len(members), max)
	}
	if len(members) != got {
		t.Errorf("slot set size = %d, want %d successful acquires", len(members), got)
	}
}

func TestSlotManager_ReleaseAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 3)

	if err := slots.Release(ctx, 99); err != nil {
		t.Fatalf("Release(absent) error = %v", err)
	}
	count, err := slots.Counter(ctx)
	if err != nil {
		t.Fatalf("Counter() error = %v", err)
	}
	if count != 0 {
		t.Errorf("Counter() = %d after releasing absent id, want 0", count)
	}

	// Counter never goes negative even after repeated releases.
	slots.Acquire(ctx, 1)
	slots.Release(ctx, 1)
	slots.Release(ctx, 1)
	count, _ = slots.Counter(ctx)
	if count != 0 {
		t.Errorf("Counter() = %d, want 0", count)
	}
}

func TestSlotManager_ForceSyncBypassesCap(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 1)

	slots.Acquire(ctx, 1)
	if err := slots.ForceSync(ctx, 2); err != nil {
		t.Fatalf("ForceSync(2) error = %v", err)
	}
	members, _ := slots.Members(ctx)
	if len(members) != 2 {
		t.Errorf("Members() len = %d after force-sync over cap, want 2", len(members))
	}
}

func TestSlotManager_Stats(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 4)
	slots.Acquire(ctx, 7)
	slots.Acquire(ctx, 3)

	stats, err := slots.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.Available != 2 {
		t.Errorf("Available = %d, want 2", stats.Available)
	}
	if len(stats.Members) != 2 || stats.Members[0] != 3 || stats.Members[1] != 7 {
		t.Errorf("Members = %v, want [3 7]", stats.Members)
	}
}

type fakeLister map[int64]struct{}

func (f fakeLister) InProcessIDs(ctx context.Context) (map[int64]struct{}, error) {
	return f, nil
}

func TestSlotManager_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 5)
	slots.Acquire(ctx, 1)
	slots.Acquire(ctx, 2)
	slots.Acquire(ctx, 3)

	// Durable store only knows about 2; 1 and 3 are orphans.
	released, err := slots.CleanupExpired(ctx, fakeLister{2: {}})
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released %v, want two orphans", released)
	}
	members, _ := slots.Members(ctx)
	if len(members) != 1 || members[0] != 2 {
		t.Errorf("Members() = %v after cleanup, want [2]", members)
	}
	count, _ := slots.Counter(ctx)
	if count != 1 {
		t.Errorf("Counter() = %d after cleanup, want 1", count)
	}
}

func TestSlotJanitor_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	slots := newTestSlots(t, 5)
	slots.Acquire(ctx, 4)
	slots.Acquire(ctx, 8)

	j := SlotJanitor{Slots: slots, Durable: fakeLister{8: {}}}
	released, err := j.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if len(released) != 1 || released[0] != 4 {
		t.Errorf("released = %v, want [4]", released)
	}
}

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/realport/feedsync/internal/core"
)

// WatermarkStore caches the per-tier dispatcher search boundary, so a pass
// scans only entries updated since the previous pass instead of the whole
// table.
type WatermarkStore struct {
	store *Store
}

// NewWatermarkStore wraps the watermark bucket.
func NewWatermarkStore(store *Store) *WatermarkStore {
	return &WatermarkStore{store: store}
}

// Get returns the cached watermark for a tier queue, or found=false when no
// pass has recorded one yet.
func (w *WatermarkStore) Get(ctx context.Context, queue string) (time.Time, bool, error) {
	data, _, err := w.store.Get(ctx, queue)
	if err != nil {
		if isKeyNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read watermark for %s: %w", queue, err)
	}
	t, parseErr := core.ParseTime(string(data))
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("decode watermark for %s: %w", queue, parseErr)
	}
	return t, true, nil
}

// Set records the watermark for a tier queue.
func (w *WatermarkStore) Set(ctx context.Context, queue string, t time.Time) error {
	if _, err := w.store.Put(ctx, queue, []byte(core.FormatTime(t))); err != nil {
		return fmt.Errorf("write watermark for %s: %w", queue, err)
	}
	return nil
}

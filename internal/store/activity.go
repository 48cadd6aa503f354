package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/realport/feedsync/internal/core"
)

// RecordActivity upserts the last observed downstream write for an
// integration. Workers call this as imports make progress; the stuck/loop
// detector reads it as the liveness proxy.
func (s *Store) RecordActivity(ctx context.Context, integrationID int64, at time.Time) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO feed_activity (integration_id, last_activity_at) VALUES (?, ?)
         ON CONFLICT(integration_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		integrationID, core.FormatTime(at),
	); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// LastActivity returns the most recent downstream write for an integration,
// or found=false when none was ever recorded.
func (s *Store) LastActivity(ctx context.Context, integrationID int64) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_activity_at FROM feed_activity WHERE integration_id = ?`,
		integrationID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read activity: %w", err)
	}
	t, parseErr := core.ParseTime(raw)
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("decode activity timestamp: %w", parseErr)
	}
	return t, true, nil
}

// ActiveSince reports whether the integration produced a downstream write at
// or after the given boundary.
func (s *Store) ActiveSince(ctx context.Context, integrationID int64, since time.Time) (bool, error) {
	last, found, err := s.LastActivity(ctx, integrationID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return !last.Before(since), nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/realport/feedsync/internal/core"
)

const entryColumns = `id, integration_id, status, priority, started_at, ended_at, completed_at,
    execution_time, attempts, error_message, error_details, last_error_step, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*core.QueueEntry, error) {
	var (
		entry                           core.QueueEntry
		startedAt, endedAt, completedAt sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(
		&entry.ID,
		&entry.IntegrationID,
		&entry.Status,
		&entry.Priority,
		&startedAt,
		&endedAt,
		&completedAt,
		&entry.ExecutionTime,
		&entry.Attempts,
		&entry.ErrorMessage,
		&entry.ErrorDetails,
		&entry.LastErrorStep,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var parseErr error
	if entry.StartedAt, parseErr = parseNullableTime(startedAt); parseErr != nil {
		return nil, fmt.Errorf("decode started_at: %w", parseErr)
	}
	if entry.EndedAt, parseErr = parseNullableTime(endedAt); parseErr != nil {
		return nil, fmt.Errorf("decode ended_at: %w", parseErr)
	}
	if entry.CompletedAt, parseErr = parseNullableTime(completedAt); parseErr != nil {
		return nil, fmt.Errorf("decode completed_at: %w", parseErr)
	}
	if entry.CreatedAt, parseErr = core.ParseTime(createdAt); parseErr != nil {
		return nil, fmt.Errorf("decode created_at: %w", parseErr)
	}
	if entry.UpdatedAt, parseErr = core.ParseTime(updatedAt); parseErr != nil {
		return nil, fmt.Errorf("decode updated_at: %w", parseErr)
	}
	return &entry, nil
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := core.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnsurePending creates a pending entry for the integration if none exists
// and returns the current entry. At most one entry exists per integration.
func (s *Store) EnsurePending(ctx context.Context, integrationID int64, priority core.Priority) (*core.QueueEntry, error) {
	now := core.NowFormatted()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO feed_queue (integration_id, status, priority, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(integration_id) DO NOTHING`,
		integrationID, core.StatusPending, priority, now, now,
	); err != nil {
		return nil, fmt.Errorf("ensure pending entry: %w", err)
	}
	return s.Get(ctx, integrationID)
}

// Get returns the entry for an integration, or ErrNotFound.
func (s *Store) Get(ctx context.Context, integrationID int64) (*core.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM feed_queue WHERE integration_id = ?`, integrationID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entry %d: %w", integrationID, err)
	}
	return entry, nil
}

// ListPending returns pending entries for a tier whose updated_at is at or
// past the watermark, newest first, capped at limit.
func (s *Store) ListPending(ctx context.Context, priority core.Priority, watermark time.Time, limit int) ([]core.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM feed_queue
         WHERE status = ? AND priority = ? AND updated_at >= ?
         ORDER BY updated_at DESC LIMIT ?`,
		core.StatusPending, priority, core.FormatTime(watermark), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListInProcessStartedBefore returns in-process entries whose run started
// before the cutoff. Feeds the stuck/loop detector.
func (s *Store) ListInProcessStartedBefore(ctx context.Context, cutoff time.Time) ([]core.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM feed_queue
         WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
         ORDER BY started_at ASC`,
		core.StatusInProcess, core.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale in-process entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// List returns entries filtered by status (0 for all), newest first.
func (s *Store) List(ctx context.Context, status core.Status, limit int) ([]core.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM feed_queue`
	args := []any{}
	if status != 0 {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]core.QueueEntry, error) {
	var entries []core.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// InProcessIDs returns the integrations the durable store shows in process.
func (s *Store) InProcessIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT integration_id FROM feed_queue WHERE status = ?`, core.StatusInProcess)
	if err != nil {
		return nil, fmt.Errorf("list in-process ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// StatusCounts returns the number of entries per status.
func (s *Store) StatusCounts(ctx context.Context) (map[core.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM feed_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.Status]int)
	for rows.Next() {
		var (
			status core.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MarkInProcess transitions pending -> in_process and sets started_at.
// Returns false when the entry was not pending at the moment of the update.
func (s *Store) MarkInProcess(ctx context.Context, integrationID int64, startedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, started_at = ?, ended_at = NULL, completed_at = NULL, updated_at = ?
         WHERE integration_id = ? AND status = ?`,
		core.StatusInProcess, core.FormatTime(startedAt), core.NowFormatted(),
		integrationID, core.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark in process: %w", err)
	}
	return oneRow(res)
}

// MarkDone transitions in_process -> done: stamps completion, derives
// execution_time from started_at, and clears error fields. One statement so
// a crash can never leave a partially-mutated entry.
func (s *Store) MarkDone(ctx context.Context, integrationID int64, endedAt time.Time) (bool, error) {
	end := core.FormatTime(endedAt)
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, ended_at = ?, completed_at = ?,
             execution_time = (julianday(?) - julianday(started_at)) * 86400.0,
             error_message = '', error_details = '', last_error_step = '',
             updated_at = ?
         WHERE integration_id = ? AND status = ?`,
		core.StatusDone, end, end, end, core.NowFormatted(),
		integrationID, core.StatusInProcess)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return oneRow(res)
}

// MarkError transitions in_process -> error, increments attempts, and
// records the failure.
func (s *Store) MarkError(ctx context.Context, integrationID int64, message, details, step string, endedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, ended_at = ?, attempts = attempts + 1,
             error_message = ?, error_details = ?, last_error_step = ?,
             updated_at = ?
         WHERE integration_id = ? AND status = ?`,
		core.StatusError, core.FormatTime(endedAt),
		message, details, step, core.NowFormatted(),
		integrationID, core.StatusInProcess)
	if err != nil {
		return false, fmt.Errorf("mark error: %w", err)
	}
	return oneRow(res)
}

// MarkStopped transitions in_process -> stopped with a diagnostic message.
// Used by loop breaking; attempts is not touched.
func (s *Store) MarkStopped(ctx context.Context, integrationID int64, message, step string, endedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, ended_at = ?, error_message = ?, last_error_step = ?, updated_at = ?
         WHERE integration_id = ? AND status = ?`,
		core.StatusStopped, core.FormatTime(endedAt), message, step, core.NowFormatted(),
		integrationID, core.StatusInProcess)
	if err != nil {
		return false, fmt.Errorf("mark stopped: %w", err)
	}
	return oneRow(res)
}

// ResetToPending transitions a terminal entry (done, stopped, error) back to
// pending for retry. Clears started_at, ended_at, completed_at, and
// execution_time; records the reason in error_message; leaves attempts
// untouched. Leaving timing fields behind after reset used to trip the stuck
// detector on entries that had never re-run.
func (s *Store) ResetToPending(ctx context.Context, integrationID int64, reason string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, started_at = NULL, ended_at = NULL, completed_at = NULL,
             execution_time = 0, error_message = ?, error_details = '', last_error_step = '',
             updated_at = ?
         WHERE integration_id = ? AND status IN (?, ?, ?)`,
		core.StatusPending, reason, core.NowFormatted(),
		integrationID, core.StatusDone, core.StatusStopped, core.StatusError)
	if err != nil {
		return false, fmt.Errorf("reset to pending: %w", err)
	}
	return oneRow(res)
}

// ResetStalled transitions a stalled in_process entry back to pending and
// increments attempts. Used when a heartbeat expires under in_process; the
// guard re-checks the status at the moment of the update.
func (s *Store) ResetStalled(ctx context.Context, integrationID int64, reason string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE feed_queue
         SET status = ?, started_at = NULL, ended_at = NULL, completed_at = NULL,
             execution_time = 0, attempts = attempts + 1,
             error_message = ?, error_details = '', last_error_step = '',
             updated_at = ?
         WHERE integration_id = ? AND status = ?`,
		core.StatusPending, reason, core.NowFormatted(),
		integrationID, core.StatusInProcess)
	if err != nil {
		return false, fmt.Errorf("reset stalled entry: %w", err)
	}
	return oneRow(res)
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/basket/coordplane/internal/errcode"
)

type QueueInput struct {
	Operation    string
	ResourceType string
	ResourceID   string
	Payload      []byte
	MaxAttempts  int
}

func scanQueuedChangeRow(row interface{ Scan(...any) error }) (*QueuedChange, error) {
	var q QueuedChange
	var payload sql.NullString
	var nextRetryAt, lastAttemptAt sql.NullString
	var errStr sql.NullString
	var createdAt string
	if err := row.Scan(
		&q.ID, &q.Operation, &q.ResourceType, &q.ResourceID, &payload,
		&q.Status, &q.Attempts, &q.MaxAttempts, &nextRetryAt, &createdAt, &lastAttemptAt, &errStr,
	); err != nil {
		return nil, err
	}
	if payload.Valid {
		q.Payload = []byte(payload.String)
	}
	q.NextRetryAt = timePtr(nextRetryAt)
	q.LastAttemptAt = timePtr(lastAttemptAt)
	q.Error = strPtr(errStr)
	q.CreatedAt = parseTime(createdAt)
	return &q, nil
}

const queueColumns = `id, operation, resource_type, resource_id, payload,
	status, attempts, max_attempts, next_retry_at, created_at, last_attempt_at, error`

// Enqueue records a mutation that could not reach the remote peer while
// offline (C9). Dequeuing/processing happens elsewhere (SyncEngine); the
// Store only persists the queue's state.
func (s *Store) Enqueue(ctx context.Context, in QueueInput) (*QueuedChange, error) {
	id := uuid.NewString()
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	now := nowISO()
	var payload any
	if in.Payload != nil {
		payload = string(in.Payload)
	}
	var queued *QueuedChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offline_queue (id, operation, resource_type, resource_id, payload, status, max_attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, in.Operation, in.ResourceType, in.ResourceID, payload, QueuePending, maxAttempts, now); err != nil {
			return errcode.New(errcode.TransactionError, "enqueue offline change", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE id = ?`, id)
		q, err := scanQueuedChangeRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan enqueued change", err)
		}
		queued = q
		return nil
	})
	return queued, err
}

// ListPending returns queued changes eligible to attempt now (status
// pending/failed with next_retry_at elapsed), oldest first.
func (s *Store) ListPending(ctx context.Context, now time.Time, limit int) ([]*QueuedChange, error) {
	query := `
		SELECT ` + queueColumns + ` FROM offline_queue
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
	`
	args := []any{QueuePending, QueueFailed, now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "list pending offline changes", err)
	}
	defer rows.Close()
	var out []*QueuedChange
	for rows.Next() {
		q, err := scanQueuedChangeRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan pending offline change row", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_queue SET status = ?, last_attempt_at = ?, attempts = attempts + 1 WHERE id = ?
	`, QueueProcessing, nowISO(), id)
	if err != nil {
		return errcode.New(errcode.TransactionError, "mark offline change processing", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "queued change not found: "+id, nil)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE offline_queue SET status = ? WHERE id = ?`, QueueCompleted, id)
	if err != nil {
		return errcode.New(errcode.TransactionError, "mark offline change completed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "queued change not found: "+id, nil)
	}
	return nil
}

// MarkFailed records an attempt failure. If attempts have reached
// max_attempts the row stays "failed" terminally (the caller surfaces it
// for operator attention); otherwise nextRetryAt schedules another try.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	var nextRetry any
	if nextRetryAt != nil {
		nextRetry = nextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_queue SET status = ?, error = ?, next_retry_at = ? WHERE id = ?
	`, QueueFailed, errMsg, nextRetry, id)
	if err != nil {
		return errcode.New(errcode.TransactionError, "mark offline change failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "queued change not found: "+id, nil)
	}
	return nil
}

func (s *Store) GetQueuedChange(ctx context.Context, id string) (*QueuedChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE id = ?`, id)
	q, err := scanQueuedChangeRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "queued change not found: "+id, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan queued change", err)
	}
	return q, nil
}

// QueueDepth returns the count of non-terminal (pending/processing/failed
// with retries remaining) rows — the OfflineQueueDepth gauge's source.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_queue WHERE status != ? AND (status != ? OR attempts < max_attempts)
	`, QueueCompleted, QueueFailed).Scan(&n)
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "count offline queue depth", err)
	}
	return n, nil
}

// PurgeCompleted deletes terminal "completed" rows older than before.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM offline_queue WHERE status = ? AND created_at < ?
	`, QueueCompleted, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "purge completed offline queue rows", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/coordplane/internal/errcode"
)

func scanLeaseRow(row interface{ Scan(...any) error }) (*Lease, error) {
	var l Lease
	var taskID sql.NullString
	var acquiredAt, expiresAt string
	if err := row.Scan(&l.FilePath, &l.AgentID, &taskID, &acquiredAt, &expiresAt, &l.RenewedCount); err != nil {
		return nil, err
	}
	l.TaskID = strPtr(taskID)
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	return &l, nil
}

// AcquireLease grants file_path to agentID for duration if no live lease on
// it exists (I4: at most one live lease per file). It returns
// errcode.LeaseHeld, naming the current holder, on contention.
func (s *Store) AcquireLease(ctx context.Context, filePath, agentID string, taskID *string, duration time.Duration) (*Lease, error) {
	var lease *Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var existingAgent, existingExpires string
		err := tx.QueryRowContext(ctx, `SELECT agent_id, expires_at FROM leases WHERE file_path = ?`, filePath).
			Scan(&existingAgent, &existingExpires)
		switch {
		case err == nil:
			if expiresAt, perr := time.Parse(time.RFC3339Nano, existingExpires); perr == nil && expiresAt.After(now) && existingAgent != agentID {
				return errcode.New(errcode.LeaseHeld, "file is leased by "+existingAgent, nil)
			}
			// expired, or already held by the same agent: fall through to upsert.
		case err != sql.ErrNoRows:
			return errcode.New(errcode.TransactionError, "read lease for acquire", err)
		}

		expiresAt := now.Add(duration)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leases (file_path, agent_id, task_id, acquired_at, expires_at, renewed_count)
			VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT(file_path) DO UPDATE SET
				agent_id = excluded.agent_id, task_id = excluded.task_id,
				acquired_at = excluded.acquired_at, expires_at = excluded.expires_at, renewed_count = 0
		`, filePath, agentID, taskID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano)); err != nil {
			return errcode.New(errcode.TransactionError, "acquire lease", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count FROM leases WHERE file_path = ?`, filePath)
		l, err := scanLeaseRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan acquired lease", err)
		}
		lease = l
		return nil
	})
	return lease, err
}

// RenewLease extends an existing lease's expiry, conditional on agentID
// still being the holder.
func (s *Store) RenewLease(ctx context.Context, filePath, agentID string, duration time.Duration) error {
	newExpiry := time.Now().UTC().Add(duration).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, renewed_count = renewed_count + 1
		WHERE file_path = ? AND agent_id = ?
	`, newExpiry, filePath, agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "renew lease", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.LeaseHeld, "lease not held by "+agentID+": "+filePath, nil)
	}
	return nil
}

// ReleaseLease drops a lease, conditional on agentID being the holder.
func (s *Store) ReleaseLease(ctx context.Context, filePath, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE file_path = ? AND agent_id = ?`, filePath, agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "release lease", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "lease not held by "+agentID+": "+filePath, nil)
	}
	return nil
}

// ForceReleaseLease drops a lease regardless of holder; used by the
// RuntimeGovernor when reaping a dead agent's leases.
func (s *Store) ForceReleaseLease(ctx context.Context, filePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE file_path = ?`, filePath)
	if err != nil {
		return errcode.New(errcode.TransactionError, "force release lease", err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, filePath string) (*Lease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count FROM leases WHERE file_path = ?`, filePath)
	l, err := scanLeaseRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "lease not found: "+filePath, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan lease", err)
	}
	return l, nil
}

func (s *Store) ListLeasesByAgent(ctx context.Context, agentID string) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count FROM leases WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "list leases by agent", err)
	}
	defer rows.Close()
	var out []*Lease
	for rows.Next() {
		l, err := scanLeaseRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan lease row", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindExpiredLeases returns leases whose expires_at has passed — the
// sweep query the LeaseManager runs on LeaseConfig.SweepIntervalMs.
func (s *Store) FindExpiredLeases(ctx context.Context, now time.Time) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count FROM leases WHERE expires_at < ?
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "find expired leases", err)
	}
	defer rows.Close()
	var out []*Lease
	for rows.Next() {
		l, err := scanLeaseRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan expired lease row", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReleaseAllForAgent drops every lease held by agentID — used on clean
// agent shutdown and by the governor when deregistering a crashed agent.
func (s *Store) ReleaseAllForAgent(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "release all leases for agent", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/coordplane/internal/errcode"
)

const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 30 * time.Minute
)

type TaskInput struct {
	ID               string
	Title            string
	Description      string
	Priority         Priority
	Type             string
	RequiredSkills   []string
	Dependencies     []string
	Files            []string
	EstimatedMinutes *float64
	MaxRetries       int
	Branch           *string
}

// transitionTaskTx performs the single write path for task.status: a
// conditional UPDATE gated on the row's current status, inside the
// caller's transaction. If zero rows are affected, the caller already
// lost a race (claim) or the precondition no longer holds (release/fail/
// complete on a task another writer already moved on); the caller decides
// how to report that. This is the one place status is ever written, which
// is what makes per-task transitions linearizable under concurrent access.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, from []TaskStatus, to TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transitionTaskTx: empty from set")
	}
	query := fmt.Sprintf(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)
	`, placeholders(len(from)))
	args := append([]any{to, nowISO(), taskID}, toAnySlice(from)...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errcode.New(errcode.TransactionError, "transition task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errcode.New(errcode.TransactionError, "rows affected", err)
	}
	return n == 1, nil
}

func toAnySlice(statuses []TaskStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = s
	}
	return out
}

// CreateTask inserts a new task. Status is "blocked" if dependencies is
// non-empty, else "ready" (I2). Emits a change-log create.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = 2
	}
	status := TaskReady
	if len(in.Dependencies) > 0 {
		status = TaskBlocked
	}
	now := time.Now().UTC()

	var task *Task
	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errcode.New(errcode.TransactionError, "begin create task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, status, priority, type, required_skills,
				dependencies, blockers, files, max_retries, estimated_minutes, branch,
				previous_agents, created_at, updated_at, sync_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?, '[]', ?, ?, 0)
		`, in.ID, in.Title, in.Description, status, in.Priority, in.Type, toJSON(in.RequiredSkills),
			toJSON(in.Dependencies), toJSON(in.Files), in.MaxRetries, in.EstimatedMinutes, in.Branch,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
			if errcode.ClassifySQLite(err) == errcode.AlreadyExists {
				return errcode.New(errcode.AlreadyExists, "task already exists: "+in.ID, err)
			}
			return errcode.New(errcode.TransactionError, "insert task", err)
		}

		t, err := getTaskTx(ctx, tx, in.ID)
		if err != nil {
			return err
		}

		version, err := recordChangeTx(ctx, tx, EntityTask, in.ID, ChangeCreate, taskSnapshotJSON(t))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sync_version = ? WHERE id = ?`, version, in.ID); err != nil {
			return errcode.New(errcode.TransactionError, "stamp sync_version", err)
		}
		t.SyncVersion = version

		if err := tx.Commit(); err != nil {
			return errcode.New(errcode.TransactionError, "commit create task tx", err)
		}
		task = t
		return nil
	})
	return task, err
}

func taskScanColumns() string {
	return `id, title, description, status, priority, type, required_skills, dependencies,
		blockers, files, assigned_agent, claimed_at, started_at, completed_at,
		estimated_minutes, actual_minutes, retry_count, max_retries, last_error, failure_type,
		next_retry_at, previous_agents, result, branch, quality_snapshot_id, created_at, updated_at, sync_version`
}

func scanTaskRow(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var requiredSkills, dependencies, blockers, files, previousAgents string
	var assignedAgent, lastError, failureType, branch, qualitySnapshotID sql.NullString
	var claimedAt, startedAt, completedAt, nextRetryAt sql.NullString
	var estimatedMinutes, actualMinutes sql.NullFloat64
	var result sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Type, &requiredSkills, &dependencies,
		&blockers, &files, &assignedAgent, &claimedAt, &startedAt, &completedAt,
		&estimatedMinutes, &actualMinutes, &t.RetryCount, &t.MaxRetries, &lastError, &failureType,
		&nextRetryAt, &previousAgents, &result, &branch, &qualitySnapshotID, &createdAt, &updatedAt, &t.SyncVersion,
	); err != nil {
		return nil, err
	}

	t.RequiredSkills = fromJSONSlice(requiredSkills)
	t.Dependencies = fromJSONSlice(dependencies)
	t.Blockers = fromJSONSlice(blockers)
	t.Files = fromJSONSlice(files)
	t.PreviousAgents = fromJSONSlice(previousAgents)
	t.AssignedAgent = strPtr(assignedAgent)
	t.ClaimedAt = timePtr(claimedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.EstimatedMinutes = floatPtr(estimatedMinutes)
	t.ActualMinutes = floatPtr(actualMinutes)
	t.LastError = strPtr(lastError)
	if failureType.Valid {
		ft := FailureType(failureType.String)
		t.FailureType = &ft
	}
	t.NextRetryAt = timePtr(nextRetryAt)
	if result.Valid {
		t.Result = []byte(result.String)
	}
	t.Branch = strPtr(branch)
	t.QualitySnapshotID = strPtr(qualitySnapshotID)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskScanColumns()+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "task not found: "+id, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan task", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskScanColumns()+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "task not found: "+id, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan task", err)
	}
	return t, nil
}

type TaskFilter struct {
	Status        []TaskStatus
	Priority      []Priority
	Type          string
	AssignedAgent *string
	Branch        *string
	ExcludeIDs    []string
	Limit         int
	Offset        int
}

// ListTasks orders by priority desc (critical>high>medium>low) then
// created_at asc, as required by spec.md's list ordering contract.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskScanColumns() + ` FROM tasks WHERE 1=1`
	var args []any
	if len(f.Status) > 0 {
		query += " AND status IN (" + placeholders(len(f.Status)) + ")"
		for _, st := range f.Status {
			args = append(args, st)
		}
	}
	if len(f.Priority) > 0 {
		query += " AND priority IN (" + placeholders(len(f.Priority)) + ")"
		for _, p := range f.Priority {
			args = append(args, p)
		}
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.AssignedAgent != nil {
		query += " AND assigned_agent = ?"
		args = append(args, *f.AssignedAgent)
	}
	if f.Branch != nil {
		query += " AND branch = ?"
		args = append(args, *f.Branch)
	}
	if len(f.ExcludeIDs) > 0 {
		query += " AND id NOT IN (" + placeholders(len(f.ExcludeIDs)) + ")"
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY
		CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
		created_at ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "list tasks", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan task row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

// ClaimTask is the single-winner atomic claim (P1, spec.md §4.2 `claim`).
// It selects the highest-priority, oldest eligible ready task and
// conditionally transitions it to claimed; if the transition loses the
// race it returns (nil, nil) rather than retrying internally — the caller
// (Scheduler) decides whether to try the next candidate.
func (s *Store) ClaimTask(ctx context.Context, agentID string, candidateIDs []string) (*Task, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}
	var claimed *Task
	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errcode.New(errcode.TransactionError, "begin claim tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range candidateIDs {
			ok, err := transitionTaskTx(ctx, tx, id, []TaskStatus{TaskReady}, TaskClaimed)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			now := nowISO()
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET assigned_agent = ?, claimed_at = ?, updated_at = ? WHERE id = ?
			`, agentID, now, now, id); err != nil {
				return errcode.New(errcode.TransactionError, "set claim fields", err)
			}
			t, err := getTaskTx(ctx, tx, id)
			if err != nil {
				return err
			}
			version, err := recordChangeTx(ctx, tx, EntityTask, id, ChangeUpdate, taskSnapshotJSON(t))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sync_version = ? WHERE id = ?`, version, id); err != nil {
				return errcode.New(errcode.TransactionError, "stamp sync_version", err)
			}
			t.SyncVersion = version
			if err := tx.Commit(); err != nil {
				return errcode.New(errcode.TransactionError, "commit claim tx", err)
			}
			claimed = t
			return nil
		}
		return tx.Commit()
	})
	return claimed, err
}

// ReleaseTask moves claimed/in_progress back to ready, clearing assignment.
func (s *Store) ReleaseTask(ctx context.Context, taskID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed, TaskInProgress}, TaskReady)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.InvalidState, "task not in a releasable state: "+taskID, nil)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_agent = NULL, claimed_at = NULL, started_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ?
		`, reason, nowISO(), taskID); err != nil {
			return errcode.New(errcode.TransactionError, "clear assignment on release", err)
		}
		return recordTaskUpdateTx(ctx, tx, taskID)
	})
}

// UpdateProgress transitions claimed -> in_progress (once); it is a no-op
// transition (idempotent) if the task is already in_progress. Phase and
// percent-complete are agent-side fields, written by agents.UpdateAgentProgress
// against the agents table, not here — this method only governs task.status.
func (s *Store) UpdateProgress(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed}, TaskInProgress)
		if err != nil {
			return err
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?`, nowISO(), taskID); err != nil {
				return errcode.New(errcode.TransactionError, "set started_at", err)
			}
			return recordTaskUpdateTx(ctx, tx, taskID)
		}
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errcode.New(errcode.NotFound, "task not found: "+taskID, nil)
			}
			return errcode.New(errcode.TransactionError, "read task status", err)
		}
		if status != TaskInProgress {
			return errcode.New(errcode.InvalidState, "task not claimed or in_progress: "+taskID, nil)
		}
		return nil
	})
}

// CompleteTask sets completed, completed_at, and actual_minutes computed
// from started_at (absent per Open Question #3 if started_at is null).
func (s *Store) CompleteTask(ctx context.Context, taskID string, result []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed, TaskInProgress}, TaskCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.InvalidState, "task not claimed or in_progress: "+taskID, nil)
		}
		var startedAt sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT started_at FROM tasks WHERE id = ?`, taskID).Scan(&startedAt); err != nil {
			return errcode.New(errcode.TransactionError, "read started_at", err)
		}
		now := time.Now().UTC()
		var actualMinutes any
		if startedAt.Valid && startedAt.String != "" {
			if st, perr := time.Parse(time.RFC3339Nano, startedAt.String); perr == nil {
				actualMinutes = now.Sub(st).Minutes()
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET completed_at = ?, actual_minutes = ?, result = ?, updated_at = ? WHERE id = ?
		`, now.Format(time.RFC3339Nano), actualMinutes, string(result), nowISO(), taskID); err != nil {
			return errcode.New(errcode.TransactionError, "set completion fields", err)
		}
		return recordTaskUpdateTx(ctx, tx, taskID)
	})
}

type FailureInput struct {
	Recoverable bool
	Type        FailureType
	Message     string
}

// FailTask increments retry_count, appends assigned_agent to
// previous_agents, and either schedules a retry (pending_retry with
// exponential backoff + jitter) or terminates the task as failed, per
// spec.md §4.2 `fail` and P3's retry-budget property.
func (s *Store) FailTask(ctx context.Context, taskID string, in FailureInput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status TaskStatus
		var retryCount, maxRetries int
		var assignedAgent sql.NullString
		var previousAgentsJSON string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, retry_count, max_retries, assigned_agent, previous_agents FROM tasks WHERE id = ?
		`, taskID).Scan(&status, &retryCount, &maxRetries, &assignedAgent, &previousAgentsJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errcode.New(errcode.NotFound, "task not found: "+taskID, nil)
			}
			return errcode.New(errcode.TransactionError, "read task for failure", err)
		}
		if status != TaskClaimed && status != TaskInProgress {
			return errcode.New(errcode.InvalidState, "task not claimed or in_progress: "+taskID, nil)
		}

		previousAgents := fromJSONSlice(previousAgentsJSON)
		if assignedAgent.Valid && assignedAgent.String != "" {
			previousAgents = append(previousAgents, assignedAgent.String)
		}
		newRetryCount := retryCount + 1

		// P3: a task may be retried while retry_count <= max_retries; once it
		// would exceed the budget, the failure is terminal.
		var nextStatus TaskStatus
		var nextRetryAt any
		if in.Recoverable && newRetryCount <= maxRetries {
			nextStatus = TaskPendingRetry
			delay := retryBackoff(taskID, newRetryCount)
			nextRetryAt = time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
		} else {
			nextStatus = TaskFailed
		}

		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed, TaskInProgress}, nextStatus)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.InvalidState, "task status changed concurrently: "+taskID, nil)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				retry_count = ?, previous_agents = ?, assigned_agent = NULL,
				last_error = ?, failure_type = ?, next_retry_at = ?, updated_at = ?
			WHERE id = ?
		`, newRetryCount, toJSON(previousAgents), in.Message, string(in.Type), nextRetryAt, nowISO(), taskID); err != nil {
			return errcode.New(errcode.TransactionError, "set failure fields", err)
		}
		return recordTaskUpdateTx(ctx, tx, taskID)
	})
}

// retryBackoff implements base*2^attempt with deterministic-per-task-ID
// jitter (so repeated test runs are reproducible) capped at retryBackoffCap.
func retryBackoff(taskID string, attempt int) time.Duration {
	base := retryBackoffBase
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryBackoffCap {
			base = retryBackoffCap
			break
		}
	}
	if base > retryBackoffCap {
		base = retryBackoffCap
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := hashString(taskID + ":" + strconv.Itoa(attempt))
	seed, _ := strconv.ParseUint(h[:min(len(h), 8)], 16, 64)
	jitter := time.Duration(int64(seed % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryBackoffCap {
		delay = retryBackoffCap
	}
	return delay
}

// FindRetryEligible returns pending_retry tasks whose next_retry_at has
// elapsed, ordered by priority desc then next_retry_at asc.
func (s *Store) FindRetryEligible(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskScanColumns()+` FROM tasks
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
			next_retry_at ASC
	`, TaskPendingRetry, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "query retry eligible", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan retry eligible row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResetForRetry moves pending_retry back to ready, clearing next_retry_at.
func (s *Store) ResetForRetry(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskPendingRetry}, TaskReady)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.InvalidState, "task not pending_retry: "+taskID, nil)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET next_retry_at = NULL, updated_at = ? WHERE id = ?`, nowISO(), taskID); err != nil {
			return errcode.New(errcode.TransactionError, "clear next_retry_at", err)
		}
		return recordTaskUpdateTx(ctx, tx, taskID)
	})
}

// UpdateBlockedToReady promotes every blocked task whose dependencies have
// all completed. Idempotent and safe to call repeatedly (P2).
func (s *Store) UpdateBlockedToReady(ctx context.Context) (int, error) {
	promoted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, dependencies FROM tasks WHERE status = ?`, TaskBlocked)
		if err != nil {
			return errcode.New(errcode.TransactionError, "query blocked tasks", err)
		}
		type candidate struct {
			id   string
			deps []string
		}
		var candidates []candidate
		for rows.Next() {
			var id, depsJSON string
			if err := rows.Scan(&id, &depsJSON); err != nil {
				rows.Close()
				return errcode.New(errcode.TransactionError, "scan blocked task", err)
			}
			candidates = append(candidates, candidate{id: id, deps: fromJSONSlice(depsJSON)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errcode.New(errcode.TransactionError, "iterate blocked tasks", err)
		}

		for _, c := range candidates {
			if len(c.deps) == 0 {
				continue
			}
			allDone := true
			for _, depID := range c.deps {
				var status TaskStatus
				if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, depID).Scan(&status); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						allDone = false
						break
					}
					return errcode.New(errcode.TransactionError, "read dependency status", err)
				}
				if status != TaskCompleted {
					allDone = false
					break
				}
			}
			if !allDone {
				continue
			}
			ok, err := transitionTaskTx(ctx, tx, c.id, []TaskStatus{TaskBlocked}, TaskReady)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := recordTaskUpdateTx(ctx, tx, c.id); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	return promoted, err
}

func recordTaskUpdateTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	version, err := recordChangeTx(ctx, tx, EntityTask, taskID, ChangeUpdate, taskSnapshotJSON(t))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET sync_version = ? WHERE id = ?`, version, taskID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "stamp sync_version", err)
	}
	return nil
}

func taskSnapshotJSON(t *Task) []byte {
	b := []byte(fmt.Sprintf(`{"id":%q,"status":%q,"priority":%q,"updated_at":%q}`,
		t.ID, t.Status, t.Priority, t.UpdatedAt.Format(time.RFC3339Nano)))
	return b
}

// DeleteTask removes the row and records a change-log delete (no payload).
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
		if err != nil {
			return errcode.New(errcode.TransactionError, "delete task", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errcode.New(errcode.NotFound, "task not found: "+taskID, nil)
		}
		_, err = recordChangeTx(ctx, tx, EntityTask, taskID, ChangeDelete, nil)
		return err
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errcode.New(errcode.TransactionError, "begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errcode.New(errcode.TransactionError, "commit tx", err)
		}
		return nil
	})
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/basket/coordplane/internal/errcode"
)

type QualitySnapshotInput struct {
	TaskID       *string
	AgentID      *string
	BuildSuccess *bool
	BuildTimeMs  *int64
	TypeErrors   int
	LintErrors   int
	LintWarnings int
	TestsPassing int
	TestsFailing int
	TestsSkipped int
	TestCoverage *float64
	TestTimeMs   *int64
	Raw          []byte
}

func scanQualitySnapshotRow(row interface{ Scan(...any) error }) (*QualitySnapshot, error) {
	var q QualitySnapshot
	var taskID, agentID sql.NullString
	var buildSuccess sql.NullBool
	var buildTimeMs sql.NullInt64
	var testCoverage sql.NullFloat64
	var testTimeMs sql.NullInt64
	var raw sql.NullString
	var recordedAt string
	if err := row.Scan(
		&q.ID, &taskID, &agentID, &buildSuccess, &buildTimeMs,
		&q.TypeErrors, &q.LintErrors, &q.LintWarnings,
		&q.TestsPassing, &q.TestsFailing, &q.TestsSkipped,
		&testCoverage, &testTimeMs, &raw, &recordedAt,
	); err != nil {
		return nil, err
	}
	q.TaskID = strPtr(taskID)
	q.AgentID = strPtr(agentID)
	q.BuildSuccess = boolPtr(buildSuccess)
	q.BuildTimeMs = intPtr(buildTimeMs)
	q.TestCoverage = floatPtr(testCoverage)
	q.TestTimeMs = intPtr(testTimeMs)
	if raw.Valid {
		q.Raw = []byte(raw.String)
	}
	q.RecordedAt = parseTime(recordedAt)
	return &q, nil
}

const qualitySnapshotColumns = `id, task_id, agent_id, build_success, build_time_ms,
	type_errors, lint_errors, lint_warnings, tests_passing, tests_failing, tests_skipped,
	test_coverage, test_time_ms, raw, recorded_at`

// RecordQualitySnapshot inserts a snapshot and, if it is associated with a
// task, stamps tasks.quality_snapshot_id so the task's latest snapshot is
// directly joinable.
func (s *Store) RecordQualitySnapshot(ctx context.Context, in QualitySnapshotInput) (*QualitySnapshot, error) {
	id := uuid.NewString()
	now := nowISO()
	var raw any
	if in.Raw != nil {
		raw = string(in.Raw)
	}
	var snap *QualitySnapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quality_snapshots (
				id, task_id, agent_id, build_success, build_time_ms,
				type_errors, lint_errors, lint_warnings, tests_passing, tests_failing, tests_skipped,
				test_coverage, test_time_ms, raw, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, in.TaskID, in.AgentID, in.BuildSuccess, in.BuildTimeMs,
			in.TypeErrors, in.LintErrors, in.LintWarnings, in.TestsPassing, in.TestsFailing, in.TestsSkipped,
			in.TestCoverage, in.TestTimeMs, raw, now); err != nil {
			return errcode.New(errcode.TransactionError, "insert quality snapshot", err)
		}
		if in.TaskID != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET quality_snapshot_id = ? WHERE id = ?`, id, *in.TaskID); err != nil {
				return errcode.New(errcode.TransactionError, "stamp task quality_snapshot_id", err)
			}
		}
		row := tx.QueryRowContext(ctx, `SELECT `+qualitySnapshotColumns+` FROM quality_snapshots WHERE id = ?`, id)
		q, err := scanQualitySnapshotRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan recorded snapshot", err)
		}
		snap = q
		return nil
	})
	return snap, err
}

func (s *Store) GetQualitySnapshot(ctx context.Context, id string) (*QualitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+qualitySnapshotColumns+` FROM quality_snapshots WHERE id = ?`, id)
	q, err := scanQualitySnapshotRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "quality snapshot not found: "+id, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan quality snapshot", err)
	}
	return q, nil
}

func (s *Store) ListQualitySnapshotsByTask(ctx context.Context, taskID string, limit int) ([]*QualitySnapshot, error) {
	query := `SELECT ` + qualitySnapshotColumns + ` FROM quality_snapshots WHERE task_id = ? ORDER BY recorded_at DESC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "list quality snapshots", err)
	}
	defer rows.Close()
	var out []*QualitySnapshot
	for rows.Next() {
		q, err := scanQualitySnapshotRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan quality snapshot row", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQualityBaselineRow(row interface{ Scan(...any) error }) (*QualityBaseline, error) {
	var b QualityBaseline
	var buildSuccess sql.NullBool
	var testCoverage sql.NullFloat64
	var testTimeMs sql.NullInt64
	var setBy sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&buildSuccess, &b.TypeErrors, &b.LintErrors, &b.LintWarnings,
		&b.TestsPassing, &b.TestsFailing, &b.TestsSkipped,
		&testCoverage, &testTimeMs, &setBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.BuildSuccess = boolPtr(buildSuccess)
	b.TestCoverage = floatPtr(testCoverage)
	b.TestTimeMs = intPtr(testTimeMs)
	b.SetBy = strPtr(setBy)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

const qualityBaselineColumns = `build_success, type_errors, lint_errors, lint_warnings,
	tests_passing, tests_failing, tests_skipped, test_coverage, test_time_ms, set_by, created_at, updated_at`

// SetQualityBaseline upserts the singleton baseline row.
func (s *Store) SetQualityBaseline(ctx context.Context, from *QualitySnapshot, setBy string) (*QualityBaseline, error) {
	now := nowISO()
	var baseline *QualityBaseline
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quality_baseline (
				id, build_success, type_errors, lint_errors, lint_warnings,
				tests_passing, tests_failing, tests_skipped, test_coverage, test_time_ms,
				set_by, created_at, updated_at
			) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				build_success = excluded.build_success, type_errors = excluded.type_errors,
				lint_errors = excluded.lint_errors, lint_warnings = excluded.lint_warnings,
				tests_passing = excluded.tests_passing, tests_failing = excluded.tests_failing,
				tests_skipped = excluded.tests_skipped, test_coverage = excluded.test_coverage,
				test_time_ms = excluded.test_time_ms, set_by = excluded.set_by, updated_at = excluded.updated_at
		`, from.BuildSuccess, from.TypeErrors, from.LintErrors, from.LintWarnings,
			from.TestsPassing, from.TestsFailing, from.TestsSkipped, from.TestCoverage, from.TestTimeMs,
			setBy, now, now); err != nil {
			return errcode.New(errcode.TransactionError, "set quality baseline", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+qualityBaselineColumns+` FROM quality_baseline WHERE id = 1`)
		b, err := scanQualityBaselineRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan quality baseline", err)
		}
		baseline = b
		return nil
	})
	return baseline, err
}

func (s *Store) GetQualityBaseline(ctx context.Context) (*QualityBaseline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+qualityBaselineColumns+` FROM quality_baseline WHERE id = 1`)
	b, err := scanQualityBaselineRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "quality baseline not set", nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan quality baseline", err)
	}
	return b, nil
}

// RegressionPoint names one metric that regressed between a baseline and a
// candidate snapshot, used by the QualityLedger's detection pass.
type RegressionPoint struct {
	Metric string
	Before float64
	After  float64
}

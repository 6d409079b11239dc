package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/coordplane/internal/errcode"
)

const syncVersionKey = "sync_version_counter"

// nextSyncVersionTx increments the global sync_version counter inside the
// caller's transaction and returns the new value. The counter lives in
// sync_metadata so every mutation that touches it is serialized by the same
// single-writer connection that guards every other write — no separate
// lock is needed (Design Notes: "Global process state").
func nextSyncVersionTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, syncVersionKey).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, errcode.New(errcode.TransactionError, "read sync_version counter", err)
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, syncVersionKey, fmt.Sprintf("%d", next)); err != nil {
		return 0, errcode.New(errcode.TransactionError, "write sync_version counter", err)
	}
	return next, nil
}

// recordChangeTx appends one change_log row inside the caller's
// transaction. payload is nil for delete operations. Every TaskRegistry,
// MessageBus, and QualityLedger mutation calls this exactly once.
func recordChangeTx(ctx context.Context, tx *sql.Tx, entityType EntityType, entityID string, op ChangeOp, payload []byte) (int64, error) {
	version, err := nextSyncVersionTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	id := uuid.NewString()
	nowMs := time.Now().UTC().UnixMilli()
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (id, entity_type, entity_id, operation, sync_version, timestamp_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, string(entityType), entityID, string(op), version, nowMs, payloadArg); err != nil {
		return 0, errcode.New(errcode.TransactionError, "insert change_log row", err)
	}
	return version, nil
}

func scanChangeLogRow(row interface{ Scan(...any) error }) (ChangeLogEntry, error) {
	var e ChangeLogEntry
	var entityType, op string
	var payload sql.NullString
	if err := row.Scan(&e.ID, &entityType, &e.EntityID, &op, &e.SyncVersion, &e.TimestampMs, &payload); err != nil {
		return ChangeLogEntry{}, err
	}
	e.EntityType = EntityType(entityType)
	e.Operation = ChangeOp(op)
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	return e, nil
}

// GetChanges returns change_log rows with sync_version > sinceVersion,
// ascending, optionally filtered to entityTypes, bounded by limit (0 =
// unbounded).
func (s *Store) GetChanges(ctx context.Context, sinceVersion int64, entityTypes []EntityType, limit int) ([]ChangeLogEntry, error) {
	query := `SELECT id, entity_type, entity_id, operation, sync_version, timestamp_ms, payload FROM change_log WHERE sync_version > ?`
	args := []any{sinceVersion}
	if len(entityTypes) > 0 {
		placeholders := ""
		for i, et := range entityTypes {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(et))
		}
		query += fmt.Sprintf(" AND entity_type IN (%s)", placeholders)
	}
	query += " ORDER BY sync_version ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "query change_log", err)
	}
	defer rows.Close()
	var out []ChangeLogEntry
	for rows.Next() {
		e, err := scanChangeLogRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan change_log row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatestChanges returns, for each (entity_type, entity_id) with
// sync_version > sinceVersion, only the newest row — the compacted view
// used when a consumer only cares about current state rather than history.
func (s *Store) GetLatestChanges(ctx context.Context, sinceVersion int64, entityTypes []EntityType) ([]ChangeLogEntry, error) {
	all, err := s.GetChanges(ctx, sinceVersion, entityTypes, 0)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]ChangeLogEntry, len(all))
	order := make([]string, 0, len(all))
	for _, e := range all {
		key := string(e.EntityType) + ":" + e.EntityID
		if _, exists := latest[key]; !exists {
			order = append(order, key)
		}
		latest[key] = e
	}
	out := make([]ChangeLogEntry, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out, nil
}

// Compact deletes change_log rows with sync_version <= beforeVersion except
// the newest row per entity, preserving the ability to reconstruct full
// state from the remaining rows.
func (s *Store) Compact(ctx context.Context, beforeVersion int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM change_log
		WHERE sync_version <= ?
		  AND sync_version NOT IN (
			SELECT MAX(sync_version) FROM change_log GROUP BY entity_type, entity_id
		  )
	`, beforeVersion)
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "compact change_log", err)
	}
	return res.RowsAffected()
}

// AdaptiveCompact collapses the change_log to one row per entity once the
// total row count exceeds maxRows.
func (s *Store) AdaptiveCompact(ctx context.Context, maxRows int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&count); err != nil {
		return 0, errcode.New(errcode.TransactionError, "count change_log", err)
	}
	if count <= maxRows {
		return 0, nil
	}
	var latestVersion int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sync_version), 0) FROM change_log`).Scan(&latestVersion); err != nil {
		return 0, errcode.New(errcode.TransactionError, "read latest sync_version", err)
	}
	return s.Compact(ctx, latestVersion-1)
}

func (s *Store) LatestSyncVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, syncVersionKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "read sync_version counter", err)
	}
	return v, nil
}

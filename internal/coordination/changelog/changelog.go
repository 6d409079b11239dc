// Package changelog implements C8 ChangeLog as a thin pass-through over
// internal/store: the monotonic sync_version counter and the change-log
// read/compact primitives are already a single-writer-serialized Store
// concern with no additional business logic to add at this layer. This
// package exists so SyncEngine (C11) and other callers depend on a
// coordination-level interface rather than reaching into internal/store
// directly, matching the shape of every other C-numbered component.
package changelog

import (
	"context"

	"github.com/basket/coordplane/internal/store"
)

type Log struct {
	store *store.Store
}

func New(s *store.Store) *Log {
	return &Log{store: s}
}

func (l *Log) GetChanges(ctx context.Context, sinceVersion int64, entityTypes []store.EntityType, limit int) ([]store.ChangeLogEntry, error) {
	return l.store.GetChanges(ctx, sinceVersion, entityTypes, limit)
}

func (l *Log) GetLatestChanges(ctx context.Context, sinceVersion int64, entityTypes []store.EntityType) ([]store.ChangeLogEntry, error) {
	return l.store.GetLatestChanges(ctx, sinceVersion, entityTypes)
}

func (l *Log) Compact(ctx context.Context, beforeVersion int64) (int64, error) {
	return l.store.Compact(ctx, beforeVersion)
}

func (l *Log) AdaptiveCompact(ctx context.Context, maxRows int64) (int64, error) {
	return l.store.AdaptiveCompact(ctx, maxRows)
}

func (l *Log) LatestSyncVersion(ctx context.Context) (int64, error) {
	return l.store.LatestSyncVersion(ctx)
}

package changelog

import (
	"context"
	"testing"

	"github.com/basket/coordplane/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetChanges_ReturnsEntryForCreatedTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := New(s)

	task, err := s.CreateTask(ctx, store.TaskInput{Title: "wire up logging", Priority: store.PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	changes, err := log.GetChanges(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("get changes: %v", err)
	}
	if len(changes) != 1 || changes[0].EntityType != store.EntityTask || changes[0].EntityID != task.ID {
		t.Fatalf("expected a single task change, got %#v", changes)
	}

	latest, err := log.LatestSyncVersion(ctx)
	if err != nil {
		t.Fatalf("latest sync version: %v", err)
	}
	if latest != changes[0].SyncVersion {
		t.Fatalf("expected latest sync version %d to match the recorded entry %d", latest, changes[0].SyncVersion)
	}
}

func TestGetLatestChanges_CollapsesToOneEntryPerEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := New(s)

	task, err := s.CreateTask(ctx, store.TaskInput{Title: "wire up logging", Priority: store.PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	latest, err := log.GetLatestChanges(ctx, 0, []store.EntityType{store.EntityTask})
	if err != nil {
		t.Fatalf("get latest changes: %v", err)
	}
	if len(latest) != 1 || latest[0].Operation != store.ChangeDelete {
		t.Fatalf("expected the create to collapse into a single delete entry, got %#v", latest)
	}
}

func TestCompact_RemovesEntriesBeforeVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := New(s)

	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "first", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create first task: %v", err)
	}
	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "second", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create second task: %v", err)
	}

	latest, err := log.LatestSyncVersion(ctx)
	if err != nil {
		t.Fatalf("latest sync version: %v", err)
	}

	removed, err := log.Compact(ctx, latest)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected compact before the latest version to remove exactly 1 entry, removed %d", removed)
	}

	remaining, err := log.GetChanges(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("get changes: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 entry remaining after compact, got %d", len(remaining))
	}
}

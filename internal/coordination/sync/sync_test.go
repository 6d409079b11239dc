package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/coordination/changelog"
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

type recordingAdapter struct {
	entityType store.EntityType
	applied    []store.ChangeLogEntry
}

func (a *recordingAdapter) EntityType() store.EntityType { return a.entityType }
func (a *recordingAdapter) Apply(ctx context.Context, change store.ChangeLogEntry) (bool, bool, error) {
	a.applied = append(a.applied, change)
	return true, false, nil
}

func TestSync_PushesLocalChangesAndPullsRemote(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "local task", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var pushed pushRequest
	remoteEntry := store.ChangeLogEntry{EntityType: store.EntityTask, EntityID: "remote-task-1", Operation: store.ChangeCreate, SyncVersion: 1}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/push":
			if err := json.NewDecoder(r.Body).Decode(&pushed); err != nil {
				t.Fatalf("decode push request: %v", err)
			}
			_ = json.NewEncoder(w).Encode(pushResponse{Accepted: []string{"local-task"}})
		case "/pull":
			_ = json.NewEncoder(w).Encode(pullResponse{Changes: []store.ChangeLogEntry{remoteEntry}, HasMore: false})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter := &recordingAdapter{entityType: store.EntityTask}
	statePath := filepath.Join(t.TempDir(), "sync-state.json")
	e := New(changelog.New(s), nil, nil, nil, Config{EdgeURL: srv.URL, ClientID: "node-a", StatePath: statePath}, nil)
	e.RegisterAdapter(adapter)

	if err := e.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(pushed.Changes) != 1 {
		t.Fatalf("expected 1 local change pushed, got %d", len(pushed.Changes))
	}
	if len(adapter.applied) != 1 || adapter.applied[0].EntityID != "remote-task-1" {
		t.Fatalf("expected the remote change to be applied through the adapter, got %#v", adapter.applied)
	}
	if e.Status() != StatusIdle {
		t.Fatalf("expected status idle after a successful sync, got %s", e.Status())
	}
}

func TestSync_ConcurrentCallFailsFast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		_ = json.NewEncoder(w).Encode(pushResponse{})
	}))
	defer srv.Close()

	e := New(changelog.New(s), nil, nil, nil, Config{EdgeURL: srv.URL, ClientID: "node-a"}, nil)

	done := make(chan error, 1)
	go func() { done <- e.Sync(ctx) }()

	deadline := time.Now().Add(time.Second)
	for e.Status() != StatusSyncing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if e.Status() != StatusSyncing {
		t.Fatal("first sync never reached the syncing state")
	}

	if err := e.Sync(ctx); err != errAlreadySyncing {
		t.Fatalf("expected the second concurrent Sync to fail fast, got %v", err)
	}
	close(block)
	<-done
}

func TestSync_NetworkFailureFlipsOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := New(changelog.New(s), nil, nil, nil, Config{EdgeURL: "http://127.0.0.1:1", ClientID: "node-a", MaxRetries: 1}, nil)

	if err := e.Sync(ctx); err == nil {
		t.Fatal("expected sync against an unreachable edge to fail")
	}
	if e.Status() != StatusOffline {
		t.Fatalf("expected status offline after a network-class failure, got %s", e.Status())
	}
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/coordination/agents"
	"github.com/basket/coordplane/internal/coordination/changelog"
	"github.com/basket/coordplane/internal/coordination/conflict"
	"github.com/basket/coordplane/internal/coordination/governor"
	"github.com/basket/coordplane/internal/coordination/offlinequeue"
	"github.com/basket/coordplane/internal/coordination/quality"
	coordsync "github.com/basket/coordplane/internal/coordination/sync"
	"github.com/basket/coordplane/internal/coordination/tasks"
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

func TestHealthzReportsComponentStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := bus.New()

	taskRegistry := tasks.New(s, b, nil)
	if _, err := taskRegistry.Create(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	agentRegistry := agents.New(s, b, nil)
	q := offlinequeue.New(s, b, func(context.Context, *store.QueuedChange) error { return nil }, offlinequeue.Config{}, nil)
	se := coordsync.New(changelog.New(s), q, conflict.New(b, nil), b, coordsync.Config{}, nil)
	ql := quality.New(s, b, quality.Config{}, nil)
	gov := governor.New(s, b, governor.Limits{CheckInterval: time.Hour}, nil, nil)
	gov.Start(ctx)
	defer gov.Stop()

	srv := newHealthServer(healthDeps{
		addr:     "unused",
		store:    s,
		tasks:    taskRegistry,
		agents:   agentRegistry,
		governor: gov,
		queue:    q,
		sync:     se,
		quality:  ql,
		logger:   slog.Default(),
	})

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
	if body.TasksReady != 1 {
		t.Errorf("expected 1 ready task, got %d", body.TasksReady)
	}
	if body.QueueOnline != true {
		t.Errorf("expected queue to start online, got %v", body.QueueOnline)
	}
}

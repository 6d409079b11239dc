package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/coordplane/internal/coordination/agents"
	"github.com/basket/coordplane/internal/coordination/governor"
	"github.com/basket/coordplane/internal/coordination/offlinequeue"
	"github.com/basket/coordplane/internal/coordination/quality"
	"github.com/basket/coordplane/internal/coordination/sync"
	"github.com/basket/coordplane/internal/coordination/tasks"
	"github.com/basket/coordplane/internal/store"
)

type healthDeps struct {
	addr   string
	store  *store.Store
	tasks  *tasks.Registry
	agents *agents.Registry
	governor *governor.Governor
	queue    *offlinequeue.Queue
	sync     *sync.Engine
	quality  *quality.Ledger
	logger   *slog.Logger
}

type healthResponse struct {
	Status         string           `json:"status"`
	GovernorState  string           `json:"governor_end_state,omitempty"`
	GovernorStats  governor.Stats   `json:"governor_stats"`
	TasksReady     int              `json:"tasks_ready"`
	TasksInFlight  int              `json:"tasks_in_flight"`
	AgentsOnline   int              `json:"agents_online"`
	QueueDepth     int64            `json:"offline_queue_depth"`
	QueueOnline    bool             `json:"offline_queue_online"`
	SyncStatus     sync.Status      `json:"sync_status"`
	QualityBaseline bool            `json:"quality_baseline_set"`
}

// newHealthServer builds the daemon's one externally visible surface: a
// JSON status snapshot at /healthz. It never mutates any component, only
// reads their already-exported status accessors.
func newHealthServer(d healthDeps) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}

		if end := d.governor.EndState(); end != nil {
			resp.GovernorState = string(*end)
		}
		resp.GovernorStats = d.governor.Stats()

		ready, err := d.store.ListTasks(ctx, store.TaskFilter{Status: []store.TaskStatus{store.TaskReady}})
		if err == nil {
			resp.TasksReady = len(ready)
		}
		inFlight, err := d.store.ListTasks(ctx, store.TaskFilter{Status: []store.TaskStatus{store.TaskClaimed, store.TaskInProgress}})
		if err == nil {
			resp.TasksInFlight = len(inFlight)
		}

		online, err := d.agents.List(ctx, store.AgentFilter{Status: []store.AgentStatus{store.AgentIdle, store.AgentBusy}})
		if err == nil {
			resp.AgentsOnline = len(online)
		}

		if depth, err := d.queue.Depth(ctx); err == nil {
			resp.QueueDepth = depth
		}
		resp.QueueOnline = d.queue.IsOnline()

		resp.SyncStatus = d.sync.Status()

		if baseline, err := d.quality.GetBaseline(ctx); err == nil && baseline != nil {
			resp.QualityBaseline = true
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			d.logger.Error("healthz encode failed", "error", err)
		}
	})

	return &http.Server{
		Addr:              d.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

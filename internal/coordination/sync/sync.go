// Package sync implements C11 SyncEngine: pushing local changes to a
// remote edge peer, pulling remote changes back, and resolving whatever
// conflicts arise via C10 ConflictResolver. It is the one component that
// talks to the network, so it is also the one that feeds OfflineQueue
// when the network stops cooperating.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/coordination/changelog"
	"github.com/basket/coordplane/internal/coordination/conflict"
	"github.com/basket/coordplane/internal/coordination/offlinequeue"
	"github.com/basket/coordplane/internal/errcode"
	"github.com/basket/coordplane/internal/store"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Adapter applies a single pulled change to local state for one entity
// type. Apply reports whether the change was applied as-is or whether it
// collided with local state and was routed through ConflictResolver
// instead (conflict=true either way signals the caller logged one).
type Adapter interface {
	EntityType() store.EntityType
	Apply(ctx context.Context, change store.ChangeLogEntry) (applied bool, conflicted bool, err error)
}

type Config struct {
	EdgeURL         string
	APIToken        string
	ClientID        string
	BatchSize       int
	MaxRetries      int
	Timeout         time.Duration
	PollingInterval time.Duration
	StatePath       string
}

// State is the durable record of sync progress, persisted as JSON so a
// restarted daemon resumes from where it left off rather than re-pushing
// or re-pulling the whole history.
type State struct {
	LastSyncAt      time.Time `json:"last_sync_at"`
	LastSyncVersion int64     `json:"last_sync_version"`
}

type Engine struct {
	changelog *changelog.Log
	queue     *offlinequeue.Queue
	resolver  *conflict.Resolver
	bus       *bus.Bus
	cfg       Config
	logger    *slog.Logger
	client    *http.Client

	adapters map[store.EntityType]Adapter

	mu     sync.Mutex
	status Status
	state  State

	pollOnce sync.Once
	pollStop chan struct{}
}

func New(cl *changelog.Log, q *offlinequeue.Queue, resolver *conflict.Resolver, b *bus.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		changelog: cl,
		queue:     q,
		resolver:  resolver,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: cfg.Timeout},
		adapters:  make(map[store.EntityType]Adapter),
		status:    StatusIdle,
	}
	if cfg.StatePath != "" {
		if st, err := loadState(cfg.StatePath); err == nil {
			e.state = st
		}
	}
	return e
}

func (e *Engine) RegisterAdapter(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.EntityType()] = a
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func loadState(path string) (State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (e *Engine) saveState() error {
	if e.cfg.StatePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.StatePath), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.cfg.StatePath, b, 0o644)
}

// errAlreadySyncing is returned when Sync is called while a previous call
// is still running: spec.md §4.11 requires concurrent sync() calls to
// fail fast rather than queue up.
var errAlreadySyncing = fmt.Errorf("sync: a sync cycle is already running")

// Sync runs one full push-then-pull cycle: collect local changes since
// the last successful sync, push them in batches, then pull the server's
// changes and apply each through its registered adapter. Any network-
// class failure queues the unsent work on OfflineQueue and flips status
// to offline; a transient server error retries with exponential backoff.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusSyncing {
		e.mu.Unlock()
		return errAlreadySyncing
	}
	e.status = StatusSyncing
	e.mu.Unlock()

	e.publish(bus.TopicSyncStarted, nil)

	err := e.runCycle(ctx)

	e.mu.Lock()
	if err != nil {
		if errcode.Of(err) == errcode.NetworkError {
			e.status = StatusOffline
		} else {
			e.status = StatusError
		}
	} else {
		e.status = StatusIdle
	}
	e.mu.Unlock()

	if err != nil {
		e.publish(bus.TopicSyncFailed, err.Error())
	} else {
		e.publish(bus.TopicSyncCompleted, nil)
	}
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	if err := e.push(ctx); err != nil {
		return err
	}
	if err := e.pull(ctx); err != nil {
		return err
	}
	return e.saveState()
}

func (e *Engine) push(ctx context.Context) error {
	changes, err := e.changelog.GetChanges(ctx, e.state.LastSyncVersion, nil, 0)
	if err != nil {
		return err
	}
	for start := 0; start < len(changes); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(changes) {
			end = len(changes)
		}
		batch := changes[start:end]
		resp, err := e.pushBatch(ctx, batch)
		if err != nil {
			if e.queue != nil {
				e.enqueueUnsent(ctx, batch)
			}
			return err
		}
		for _, rejected := range resp.Rejected {
			e.resolveRejection(ctx, rejected)
		}
		if len(batch) > 0 {
			e.state.LastSyncVersion = batch[len(batch)-1].SyncVersion
		}
	}
	return nil
}

func (e *Engine) enqueueUnsent(ctx context.Context, batch []store.ChangeLogEntry) {
	for _, c := range batch {
		payload, _ := json.Marshal(c)
		if _, err := e.queue.Enqueue(ctx, store.QueueInput{
			Operation:    string(c.Operation),
			ResourceType: string(c.EntityType),
			ResourceID:   c.EntityID,
			Payload:      payload,
		}); err != nil {
			e.logger.Error("failed to enqueue unsent change for offline retry", "entity_id", c.EntityID, "error", err)
		}
	}
}

type pushRequest struct {
	ClientID   string                 `json:"clientId"`
	LastSyncAt *time.Time             `json:"lastSyncAt,omitempty"`
	Changes    []store.ChangeLogEntry `json:"changes"`
}

type RejectedChange struct {
	EntityType store.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Local      map[string]any   `json:"local"`
	Remote     map[string]any   `json:"remote"`
}

type pushResponse struct {
	Accepted []string         `json:"accepted"`
	Rejected []RejectedChange `json:"rejected"`
}

func (e *Engine) pushBatch(ctx context.Context, batch []store.ChangeLogEntry) (*pushResponse, error) {
	req := pushRequest{ClientID: e.cfg.ClientID, Changes: batch}
	if !e.state.LastSyncAt.IsZero() {
		req.LastSyncAt = &e.state.LastSyncAt
	}
	var out pushResponse
	err := e.doWithRetry(ctx, func() error {
		return e.postJSON(ctx, "/push", req, &out)
	})
	if err != nil {
		return nil, err
	}
	e.publish("push:complete", out)
	return &out, nil
}

func (e *Engine) resolveRejection(ctx context.Context, r RejectedChange) {
	if e.resolver == nil {
		e.publish("sync:conflict", r)
		return
	}
	res := e.resolver.Resolve(string(r.EntityType), r.EntityID, r.Local, r.Remote, conflict.LastWriteWins)
	e.publish("sync:conflict", struct {
		RejectedChange
		Winner conflict.Winner `json:"winner"`
	}{r, res.Winner})
}

type pullRequest struct {
	ClientID    string             `json:"clientId"`
	LastSyncAt  *time.Time         `json:"lastSyncAt,omitempty"`
	EntityTypes []store.EntityType `json:"entityTypes,omitempty"`
	Limit       int                `json:"limit"`
	Cursor      *string            `json:"cursor,omitempty"`
}

type pullResponse struct {
	Changes         []store.ChangeLogEntry `json:"changes"`
	HasMore         bool                   `json:"hasMore"`
	ServerTimestamp time.Time              `json:"serverTimestamp"`
	LatestVersion   int64                  `json:"latestVersion"`
	NextCursor      *string                `json:"nextCursor,omitempty"`
}

func (e *Engine) pull(ctx context.Context) error {
	var cursor *string
	for {
		req := pullRequest{ClientID: e.cfg.ClientID, Limit: e.cfg.BatchSize, Cursor: cursor}
		if !e.state.LastSyncAt.IsZero() {
			req.LastSyncAt = &e.state.LastSyncAt
		}
		var resp pullResponse
		err := e.doWithRetry(ctx, func() error {
			return e.postJSON(ctx, "/pull", req, &resp)
		})
		if err != nil {
			return err
		}
		e.publish("pull:complete", resp)

		for _, change := range resp.Changes {
			adapter, ok := e.adapters[change.EntityType]
			if !ok {
				continue
			}
			if _, _, err := adapter.Apply(ctx, change); err != nil {
				e.logger.Error("adapter failed to apply pulled change", "entity_type", change.EntityType, "entity_id", change.EntityID, "error", err)
			}
		}

		if !resp.ServerTimestamp.IsZero() {
			e.state.LastSyncAt = resp.ServerTimestamp
		}
		if !resp.HasMore {
			return nil
		}
		cursor = resp.NextCursor
	}
}

func (e *Engine) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.EdgeURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIToken)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errcode.New(errcode.ClassifyNetwork(err), "sync request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errcode.New(errcode.ConnectionError, fmt.Sprintf("sync peer returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return errcode.New(errcode.Fatal, fmt.Sprintf("sync peer rejected request with %d", resp.StatusCode), nil)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// doWithRetry retries transient (5xx / connection-class) failures with
// exponential backoff (1s·2^n, per spec.md §4.11), up to MaxRetries.
// A non-retryable error (4xx, decode failure) returns immediately.
func (e *Engine) doWithRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	wrapped := func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		code := errcode.Of(err)
		if code == errcode.ConnectionError || code == errcode.Timeout {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, wrapped, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.cfg.MaxRetries)+1))
	return err
}

// StartAutoPoll launches a background ticker that calls Sync every
// PollingInterval, skipping a tick if the previous sync is still running.
// Returns a stop function; safe to call at most once per Engine.
func (e *Engine) StartAutoPoll(ctx context.Context) func() {
	e.pollStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.PollingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.pollStop:
				return
			case <-ticker.C:
				if e.Status() == StatusSyncing {
					continue
				}
				if err := e.Sync(ctx); err != nil {
					e.logger.Warn("auto-poll sync failed", "error", err)
				}
			}
		}
	}()
	return func() { close(e.pollStop) }
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

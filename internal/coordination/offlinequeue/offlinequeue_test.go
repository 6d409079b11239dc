package offlinequeue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/errcode"
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

func TestProcessQueue_DeliversSuccessfulChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	delivered := 0
	q := New(s, nil, func(ctx context.Context, c *store.QueuedChange) error {
		delivered++
		return nil
	}, Config{}, nil)

	if _, err := q.Enqueue(ctx, store.QueueInput{Operation: "create", ResourceType: "task", ResourceID: "t-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if n != 1 || delivered != 1 {
		t.Fatalf("expected 1 change delivered, got n=%d delivered=%d", n, delivered)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected queue depth 0 after success, got %d", depth)
	}
}

func TestProcessQueue_NetworkFailureGoesOfflineAndKeepsChangeQueued(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := New(s, nil, func(ctx context.Context, c *store.QueuedChange) error {
		return errcode.New(errcode.NetworkError, "dial failed", errors.New("connection refused"))
	}, Config{MaxAttempts: 5}, nil)

	if _, err := q.Enqueue(ctx, store.QueueInput{Operation: "create", ResourceType: "task", ResourceID: "t-1", MaxAttempts: 5}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 delivered on network failure, got %d", n)
	}
	if q.IsOnline() {
		t.Fatal("expected queue to flip offline after a network-classified failure")
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected the change to remain queued for retry, depth=%d", depth)
	}
}

func TestProcessQueue_ExhaustedAttemptsMarksTerminallyFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := New(s, nil, func(ctx context.Context, c *store.QueuedChange) error {
		return errors.New("application rejected the change")
	}, Config{MaxAttempts: 1}, nil)

	change, err := q.Enqueue(ctx, store.QueueInput{Operation: "create", ResourceType: "task", ResourceID: "t-1", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("process queue: %v", err)
	}

	got, err := s.GetQueuedChange(ctx, change.ID)
	if err != nil {
		t.Fatalf("get queued change: %v", err)
	}
	if got.Status != store.QueueFailed || got.NextRetryAt != nil {
		t.Fatalf("expected terminally failed with no further retry scheduled, got %#v", got)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	d := backoff(time.Second, 10*time.Second, 10)
	if d > 10*time.Second {
		t.Fatalf("expected backoff capped at max, got %v", d)
	}
}

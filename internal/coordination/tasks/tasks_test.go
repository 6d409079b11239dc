package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/store"
	"github.com/basket/coordplane/internal/validation"
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

func TestCreate_DefaultsToReadyWithNoDependencies(t *testing.T) {
	ctx := context.Background()
	r := New(newTestStore(t), nil, nil)

	task, err := r.Create(ctx, store.TaskInput{Title: "write docs", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != store.TaskReady {
		t.Fatalf("expected new task to be ready, got %s", task.Status)
	}
}

func TestClaim_PublishesStateChangedOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	r := New(s, b, nil)
	task, err := r.Create(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := r.Claim(ctx, "agent-1", []string{task.ID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("expected task %s to be claimed, got %#v", task.ID, claimed)
	}

	select {
	case ev := <-sub.Ch():
		fired, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok || fired.TaskID != task.ID {
			t.Fatalf("unexpected event: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a task.state_changed event")
	}
}

func TestComplete_PublishesTaskCompleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskCompleted)
	defer b.Unsubscribe(sub)

	r := New(s, b, nil)
	task, err := r.Create(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "agent-1", []string{task.ID}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := r.Complete(ctx, task.ID, []byte(`{"summary":"done"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected a task.completed event")
	}
}

func TestComplete_RejectsResultFailingRegisteredSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := New(s, nil, nil)

	v := validation.NewRegistry()
	if err := v.Register(resultSchemaKind, []byte(`{
		"type": "object",
		"required": ["summary"]
	}`)); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	r.WithValidator(v)

	task, err := r.Create(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "agent-1", []string{task.ID}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := r.Complete(ctx, task.ID, []byte(`{"files_changed":1}`)); err == nil {
		t.Fatal("expected Complete to reject a result missing the required field")
	}

	after, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status == store.TaskCompleted {
		t.Fatal("expected the task to remain uncompleted after a validation failure")
	}
}

func TestFail_PublishesRetryingWhenRecoverable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskRetrying)
	defer b.Unsubscribe(sub)

	r := New(s, b, nil)
	task, err := r.Create(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow, MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "agent-1", []string{task.ID}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := r.Fail(ctx, task.ID, Failure{Recoverable: true, Type: store.FailureTaskTimeout, Message: "timed out"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected a task.retrying event")
	}
}

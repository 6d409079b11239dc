package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/bus"
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

func waitForEnd(t *testing.T, g *Governor) EndState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if end := g.EndState(); end != nil {
			return *end
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("governor never reached an end state")
	return ""
}

func TestGovernor_MaxCyclesReached(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTask(context.Background(), store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	g := New(s, nil, Limits{MaxCycles: 2, CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(context.Background())
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndMaxCyclesReached {
		t.Fatalf("expected max_cycles_reached, got %s", got)
	}
}

func TestGovernor_MaxRuntimeReached(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTask(context.Background(), store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	g := New(s, nil, Limits{MaxRuntime: 10 * time.Millisecond, CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(context.Background())
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndMaxRuntimeReached {
		t.Fatalf("expected max_runtime_reached, got %s", got)
	}
}

func TestGovernor_MaxConsecutiveFailuresReached(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTask(context.Background(), store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	g := New(s, nil, Limits{MaxConsecutiveFailures: 3, CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.RecordTaskFailed()
	g.RecordTaskFailed()
	g.RecordTaskFailed()
	g.Start(context.Background())
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndMaxFailuresReached {
		t.Fatalf("expected max_failures_reached, got %s", got)
	}
}

func TestGovernor_AllTasksCompleteWhenStoreHasNoOutstandingTasks(t *testing.T) {
	s := newTestStore(t)
	g := New(s, nil, Limits{CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(context.Background())
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndAllTasksComplete {
		t.Fatalf("expected all_tasks_complete, got %s", got)
	}
}

func TestGovernor_IdleTimeoutFiresBeforeAllTasksCompleteWhenTasksAreStuck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task, err := s.CreateTask(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// Claim the task so it leaves TaskReady but stays outstanding (claimed),
	// keeping all_tasks_complete from firing while idle_timeout evaluates.
	if _, err := s.ClaimTask(ctx, "agent-1", []string{task.ID}); err != nil {
		t.Fatalf("claim task: %v", err)
	}

	g := New(s, nil, Limits{IdleTimeout: 10 * time.Millisecond, CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(ctx)
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndIdleTimeout {
		t.Fatalf("expected idle_timeout, got %s", got)
	}
}

func TestGovernor_ObjectiveCompletePredicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	objective := func(ctx context.Context) (bool, error) { return true, nil }

	g := New(s, nil, Limits{CheckInterval: 5 * time.Millisecond}, objective, nil)
	g.Start(ctx)
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndObjectiveComplete {
		t.Fatalf("expected objective_complete, got %s", got)
	}
}

func TestGovernor_ObjectivePredicateErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	objective := func(ctx context.Context) (bool, error) { return false, errors.New("boom") }

	g := New(s, nil, Limits{CheckInterval: 5 * time.Millisecond}, objective, nil)
	g.Start(ctx)
	defer g.Stop()

	if got := waitForEnd(t, g); got != EndFatalError {
		t.Fatalf("expected fatal_error, got %s", got)
	}
}

func TestGovernor_ManualStop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.CreateTask(ctx, store.TaskInput{Title: "t", Priority: store.PriorityLow}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	g := New(s, nil, Limits{CheckInterval: time.Hour}, nil, nil)
	g.Start(ctx)
	g.Stop()

	if got := g.EndState(); got == nil || *got != EndManualStop {
		t.Fatalf("expected manual_stop, got %v", got)
	}
}

func TestGovernor_RecordTaskCompletedResetsConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	g := New(s, nil, Limits{}, nil, nil)
	g.RecordTaskFailed()
	g.RecordTaskFailed()
	g.RecordTaskCompleted()

	stats := g.Stats()
	if stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset to 0, got %d", stats.ConsecutiveFailures)
	}
	if stats.TasksCompleted != 1 || stats.TasksFailed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGovernor_PublishesCycleAndEndStateEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe("governor.")
	defer b.Unsubscribe(sub)

	g := New(s, b, Limits{MaxCycles: 1, CheckInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(ctx)
	defer g.Stop()

	seenCycle, seenEnd := false, false
	deadline := time.Now().Add(2 * time.Second)
	for !seenCycle || !seenEnd {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, seenCycle=%v seenEnd=%v", seenCycle, seenEnd)
		}
		select {
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicGovernorCycleCompleted:
				seenCycle = true
			case bus.TopicGovernorEndState:
				seenEnd = true
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

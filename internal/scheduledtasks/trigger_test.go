package scheduledtasks

import (
	"context"
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

func TestTrigger_FiresAndCreatesTask(t *testing.T) {
	s := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe(TopicScheduledTaskFired)
	defer b.Unsubscribe(sub)

	trig := New(s, b, nil)
	if err := trig.Register(Schedule{
		Name:     "housekeeping",
		CronExpr: "@every 10ms",
		Factory: func() store.TaskInput {
			return store.TaskInput{Title: "housekeeping sweep", Priority: store.PriorityLow}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	trig.Start()
	defer trig.Stop()

	select {
	case ev := <-sub.Ch():
		fired, ok := ev.Payload.(FiredEvent)
		if !ok || fired.ScheduleName != "housekeeping" || fired.TaskID == "" {
			t.Fatalf("unexpected fired event: %#v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	tasks, err := s.ListTasks(context.Background(), store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) == 0 {
		t.Fatal("expected at least one task created by the schedule")
	}
}

func TestTrigger_UnregisterStopsFutureFirings(t *testing.T) {
	s := newTestStore(t)
	trig := New(s, nil, nil)
	if err := trig.Register(Schedule{
		Name:     "noop",
		CronExpr: "@every 1h",
		Factory: func() store.TaskInput {
			return store.TaskInput{Title: "should not fire", Priority: store.PriorityLow}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	trig.Unregister("noop")
	trig.Start()
	defer trig.Stop()

	time.Sleep(20 * time.Millisecond)

	tasks, err := s.ListTasks(context.Background(), store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks created after unregister, got %d", len(tasks))
	}
}

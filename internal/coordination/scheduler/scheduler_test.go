package scheduler

import (
	"context"
	"testing"

	"github.com/basket/coordplane/internal/skillsregistry"
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

func mustCreateTask(t *testing.T, s *store.Store, in store.TaskInput) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestSelect_PicksHighestPriorityEligibleTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustCreateTask(t, s, store.TaskInput{ID: "low", Title: "low priority", Priority: store.PriorityLow, RequiredSkills: []string{"go"}})
	mustCreateTask(t, s, store.TaskInput{ID: "high", Title: "high priority", Priority: store.PriorityHigh, RequiredSkills: []string{"go"}})

	agent, err := s.RegisterAgent(ctx, store.AgentInput{ID: "agent-1", Name: "a1", Skills: []string{"go"}})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	sched := New(s, skillsregistry.New(), Config{}, nil)
	task, err := sched.Select(ctx, agent)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if task == nil {
		t.Fatal("expected a claimed task")
	}
	if task.ID != "high" {
		t.Fatalf("expected high-priority task claimed first, got %q", task.ID)
	}
}

func TestSelect_ExcludesMissingSkill(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustCreateTask(t, s, store.TaskInput{ID: "needs-rust", Title: "t", RequiredSkills: []string{"rust"}})

	agent, err := s.RegisterAgent(ctx, store.AgentInput{ID: "agent-1", Name: "a1", Skills: []string{"go"}})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	sched := New(s, skillsregistry.New(), Config{}, nil)
	task, err := sched.Select(ctx, agent)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no eligible task, got %v", task.ID)
	}
}

func TestSelect_ExcludesPreviousAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := mustCreateTask(t, s, store.TaskInput{ID: "t1", Title: "t"})

	agent, err := s.RegisterAgent(ctx, store.AgentInput{ID: "agent-1", Name: "a1"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	// Simulate a prior failed attempt by this agent: claim, then fail it
	// recoverably enough times to exhaust retries and land it back in
	// ready with agent-1 recorded in previous_agents.
	claimed, err := s.ClaimTask(ctx, agent.ID, []string{task.ID})
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailTask(ctx, task.ID, store.FailureInput{Recoverable: false, Type: store.FailureTaskError, Message: "boom"}); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	// Task is now "failed" (terminal), which already excludes it from
	// ready-task ranking; also verify previous_agents recorded the attempt.
	after, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(after.PreviousAgents) != 1 || after.PreviousAgents[0] != agent.ID {
		t.Fatalf("expected previous_agents to record %q, got %v", agent.ID, after.PreviousAgents)
	}

	sched := New(s, skillsregistry.New(), Config{}, nil)
	got, err := sched.Select(ctx, agent)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no claimable task (terminal failed state), got %v", got.ID)
	}
}

func TestSelect_PartialCreditRanking(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustCreateTask(t, s, store.TaskInput{ID: "t1", Title: "t", Priority: store.PriorityMedium, RequiredSkills: []string{"rust"}})

	agent, err := s.RegisterAgent(ctx, store.AgentInput{ID: "agent-1", Name: "a1", Skills: []string{"go"}})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	registry := skillsregistry.New()
	sched := New(s, registry, Config{PartialCreditWeight: 0.3, MinEligibleScore: 0.2}, nil)
	task, err := sched.Select(ctx, agent)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// no taxonomy relation registered between go and rust: still ineligible
	if task != nil {
		t.Fatalf("expected no match without a taxonomy relation, got %v", task.ID)
	}
}

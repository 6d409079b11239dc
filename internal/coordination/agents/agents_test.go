package agents

import (
	"context"
	"testing"
	"time"

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

func TestDeregister_ReleasesLeasesFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reg := New(s, nil, nil)

	agent, err := reg.Register(ctx, store.AgentInput{ID: "agent-1", Name: "a1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "/repo/main.go", agent.ID, nil, time.Minute); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	if err := reg.Deregister(ctx, agent.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	if _, err := s.GetAgent(ctx, agent.ID); err == nil {
		t.Fatal("expected agent to be deleted")
	}
	leases, err := s.ListLeasesByAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected all leases released, got %d remaining", len(leases))
	}
}

func TestRegister_ResetsStateOnReregistration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reg := New(s, nil, nil)

	if _, err := reg.Register(ctx, store.AgentInput{ID: "agent-1", Name: "a1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.SetStatus(ctx, "agent-1", store.AgentBusy); err != nil {
		t.Fatalf("set status: %v", err)
	}

	a, err := reg.Register(ctx, store.AgentInput{ID: "agent-1", Name: "a1"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a.Status != store.AgentIdle {
		t.Fatalf("expected re-registration to reset status to idle, got %q", a.Status)
	}
}

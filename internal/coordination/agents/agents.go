// Package agents implements C3 AgentRegistry: the Store's agent CRUD plus
// the one piece of cross-entity orchestration spec.md assigns to this
// component specifically — deregistering an agent must release every lease
// it holds in the same logical operation, not as a separate unguarded step
// a caller might forget.
package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/store"
)

type Registry struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(s *store.Store, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, bus: b, logger: logger}
}

func (r *Registry) Register(ctx context.Context, in store.AgentInput) (*store.Agent, error) {
	a, err := r.store.RegisterAgent(ctx, in)
	if err != nil {
		return nil, err
	}
	r.publish(bus.TopicAgentRegistered, a.ID)
	return a, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

func (r *Registry) List(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx, f)
}

func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.store.HeartbeatAgent(ctx, agentID)
}

func (r *Registry) UpdateProgress(ctx context.Context, agentID, taskID string, phase store.TaskPhase, percent float64) error {
	return r.store.UpdateAgentProgress(ctx, agentID, taskID, phase, percent)
}

func (r *Registry) FinishTask(ctx context.Context, agentID string, succeeded bool, runtimeMinutes float64) error {
	return r.store.FinishAgentTask(ctx, agentID, succeeded, runtimeMinutes)
}

func (r *Registry) SetStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	return r.store.SetAgentStatus(ctx, agentID, status)
}

func (r *Registry) FindStale(ctx context.Context, cutoff time.Time) ([]*store.Agent, error) {
	return r.store.FindStaleAgents(ctx, cutoff)
}

// Deregister releases every lease the agent holds, then deletes its row —
// spec.md §4.3's requirement that "LeaseManager must release all leases
// held by that agent" on deregistration. The two Store calls aren't one
// SQL transaction (they touch different tables via different Store
// methods), so lease release happens first: a stray released-but-not-yet-
// deregistered agent is harmless, whereas a deregistered agent with leases
// still held would orphan those leases until their TTL expires.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	released, err := r.store.ReleaseAllForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if released > 0 {
		r.logger.Info("released leases on agent deregister", "agent_id", agentID, "count", released)
	}
	if err := r.store.DeregisterAgent(ctx, agentID); err != nil {
		return err
	}
	r.publish(bus.TopicAgentOffline, agentID)
	return nil
}

// MarkOffline flips status without deleting the agent's row or releasing
// its leases — used for a heartbeat timeout where the agent may still come
// back, as opposed to an explicit Deregister.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	if err := r.store.SetAgentStatus(ctx, agentID, store.AgentOffline); err != nil {
		return err
	}
	r.publish(bus.TopicAgentOffline, agentID)
	return nil
}

func (r *Registry) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

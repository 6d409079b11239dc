// Package tasks implements C2 TaskRegistry: a thin business-logic layer
// over internal/store's task persistence. The Store owns every atomic
// transition; this package owns translating external inputs (failure
// classification, progress updates) into Store calls and fanning out
// change events on the bus.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/store"
	"github.com/basket/coordplane/internal/validation"
)

// resultSchemaKind is the validation.Registry kind checked against
// Task.result in Complete.
const resultSchemaKind = "task.result"

type Registry struct {
	store     *store.Store
	bus       *bus.Bus
	logger    *slog.Logger
	validator *validation.Registry
}

func New(s *store.Store, b *bus.Bus, logger *slog.Logger) *Registry {
	return &Registry{store: s, bus: b, logger: logger}
}

// WithValidator attaches a schema registry so Complete validates
// Task.result before persisting it. Optional: a Registry with no
// schema registered under "task.result" (or no validator at all) leaves
// Complete unchanged.
func (r *Registry) WithValidator(v *validation.Registry) *Registry {
	r.validator = v
	return r
}

func (r *Registry) Create(ctx context.Context, in store.TaskInput) (*store.Task, error) {
	return r.store.CreateTask(ctx, in)
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Task, error) {
	return r.store.GetTask(ctx, id)
}

func (r *Registry) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	return r.store.ListTasks(ctx, f)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteTask(ctx, id)
}

// Claim delegates to the Store's single-winner atomic claim and publishes
// task.state_changed on success. The candidate ranking itself lives in
// Scheduler (C4); this method is the write side claim() names in spec.md.
func (r *Registry) Claim(ctx context.Context, agentID string, candidateIDs []string) (*store.Task, error) {
	t, err := r.store.ClaimTask(ctx, agentID, candidateIDs)
	if err != nil {
		return nil, err
	}
	if t != nil {
		r.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: t.ID, OldStatus: string(store.TaskReady), NewStatus: string(store.TaskClaimed)})
	}
	return t, nil
}

func (r *Registry) Release(ctx context.Context, taskID, reason string) error {
	if err := r.store.ReleaseTask(ctx, taskID, reason); err != nil {
		return err
	}
	r.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(store.TaskReady)})
	return nil
}

type ProgressUpdate struct {
	TaskID        string
	AgentID       string
	Phase         store.TaskPhase
	Percent       float64
	FilesModified []string
}

// UpdateProgress transitions claimed -> in_progress (Store-owned) and
// records the agent-side phase/percent view (AgentRegistry-owned data,
// per spec.md §4.2's updateProgress note that it "also updates the owning
// agent's current_task_progress and phase"). FilesModified is accepted for
// API completeness but is not itself persisted state — a later lease
// acquisition records which files are actually locked.
func (r *Registry) UpdateProgress(ctx context.Context, agentID string, in ProgressUpdate) error {
	if err := r.store.UpdateProgress(ctx, in.TaskID); err != nil {
		return err
	}
	return r.store.UpdateAgentProgress(ctx, agentID, in.TaskID, in.Phase, in.Percent)
}

func (r *Registry) Complete(ctx context.Context, taskID string, result []byte) error {
	if r.validator != nil {
		if err := r.validator.Validate(resultSchemaKind, result); err != nil {
			return err
		}
	}
	if err := r.store.CompleteTask(ctx, taskID, result); err != nil {
		return err
	}
	r.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(store.TaskCompleted)})
	return nil
}

type Failure struct {
	Recoverable bool
	Type        store.FailureType
	Message     string
}

func (r *Registry) Fail(ctx context.Context, taskID string, f Failure) error {
	err := r.store.FailTask(ctx, taskID, store.FailureInput{
		Recoverable: f.Recoverable,
		Type:        f.Type,
		Message:     f.Message,
	})
	if err != nil {
		return err
	}
	after, getErr := r.store.GetTask(ctx, taskID)
	if getErr == nil && after.Status == store.TaskPendingRetry {
		r.publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(store.TaskPendingRetry)})
	} else {
		r.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(store.TaskFailed)})
	}
	return nil
}

func (r *Registry) FindRetryEligible(ctx context.Context, now time.Time) ([]*store.Task, error) {
	return r.store.FindRetryEligible(ctx, now)
}

func (r *Registry) ResetForRetry(ctx context.Context, taskID string) error {
	return r.store.ResetForRetry(ctx, taskID)
}

// UpdateBlockedToReady promotes every dependency-satisfied blocked task and
// logs the promoted count — a no-op is expected and unremarkable on most
// calls, so only a non-zero count is logged.
func (r *Registry) UpdateBlockedToReady(ctx context.Context) (int, error) {
	n, err := r.store.UpdateBlockedToReady(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 && r.logger != nil {
		r.logger.Info("promoted blocked tasks to ready", "count", n)
	}
	return n, nil
}

func (r *Registry) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

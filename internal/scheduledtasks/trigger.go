// Package scheduledtasks creates tasks on a cron schedule. It is not part
// of spec.md's module list: the original distillation leaves periodic
// task creation out, but neither excludes it, and it gives TaskRegistry a
// second entry point besides an agent manually filing work. Grounded on
// the teacher's internal/cron.Scheduler loop shape, generalized from
// polling a persisted schedules table to driving robfig/cron/v3's own
// scheduler directly, since nothing in the coordination plane's schema
// persists cron schedules separately from the jobs registered here.
package scheduledtasks

import (
	"context"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/store"
)

// TaskFactory builds the TaskInput for the task a schedule creates each
// time it fires. Called fresh per firing so callers can stamp
// run-specific fields (e.g. a timestamped title).
type TaskFactory func() store.TaskInput

// Schedule is one cron-triggered task-creation rule.
type Schedule struct {
	Name     string
	CronExpr string // standard 5-field expression, or a robfig "@every"/"@daily" descriptor
	Factory  TaskFactory
}

// FiredEvent is published once per successful firing.
type FiredEvent struct {
	ScheduleName string
	TaskID       string
}

// Trigger wraps a robfig/cron/v3 scheduler, creating a Task through the
// Store every time one of its registered schedules comes due.
type Trigger struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	cron   *cronlib.Cron

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
}

// New creates a Trigger. Call Register for each schedule, then Start.
func New(s *store.Store, b *bus.Bus, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		store:   s,
		bus:     b,
		logger:  logger,
		cron:    cronlib.New(),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Register adds a schedule. Safe to call before or after Start; robfig's
// Cron accepts new entries at runtime.
func (t *Trigger) Register(sched Schedule) error {
	id, err := t.cron.AddFunc(sched.CronExpr, func() { t.fire(sched) })
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.entries[sched.Name] = id
	t.mu.Unlock()
	return nil
}

// Unregister removes a previously registered schedule by name.
func (t *Trigger) Unregister(name string) {
	t.mu.Lock()
	id, ok := t.entries[name]
	if ok {
		delete(t.entries, name)
	}
	t.mu.Unlock()
	if ok {
		t.cron.Remove(id)
	}
}

// Start begins firing due schedules in the background.
func (t *Trigger) Start() {
	t.cron.Start()
	t.logger.Info("scheduled task trigger started")
}

// Stop waits for any in-flight firing to finish, then halts the scheduler.
func (t *Trigger) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.logger.Info("scheduled task trigger stopped")
}

func (t *Trigger) fire(sched Schedule) {
	ctx := context.Background()
	in := sched.Factory()
	task, err := t.store.CreateTask(ctx, in)
	if err != nil {
		t.logger.Error("scheduled task creation failed",
			"schedule", sched.Name, "error", err)
		return
	}
	t.logger.Info("scheduled task fired",
		"schedule", sched.Name, "task_id", task.ID)
	if t.bus != nil {
		t.bus.Publish(bus.TopicScheduledTaskFired, FiredEvent{ScheduleName: sched.Name, TaskID: task.ID})
	}
}

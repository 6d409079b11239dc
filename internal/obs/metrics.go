package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the coordination plane's components
// record against. One Metrics is constructed per process and shared by
// reference across components.
type Metrics struct {
	ClaimAttempts      metric.Int64Counter
	ClaimWins          metric.Int64Counter
	TaskTransitions    metric.Int64Counter
	TaskRetries        metric.Int64Counter
	LeaseAcquireWait   metric.Float64Histogram
	LeaseContention    metric.Int64Counter
	MessagesPublished  metric.Int64Counter
	MessagesDropped    metric.Int64Counter
	RegressionsFound   metric.Int64Counter
	SyncPushDuration    metric.Float64Histogram
	SyncPullDuration    metric.Float64Histogram
	SyncConflicts       metric.Int64Counter
	OfflineQueueDepth   metric.Int64UpDownCounter
	GovernorCycles      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ClaimAttempts, err = meter.Int64Counter("coordplane.claim.attempts",
		metric.WithDescription("Task claim attempts")); err != nil {
		return nil, err
	}
	if m.ClaimWins, err = meter.Int64Counter("coordplane.claim.wins",
		metric.WithDescription("Task claim attempts that won the race")); err != nil {
		return nil, err
	}
	if m.TaskTransitions, err = meter.Int64Counter("coordplane.task.transitions",
		metric.WithDescription("Task status transitions")); err != nil {
		return nil, err
	}
	if m.TaskRetries, err = meter.Int64Counter("coordplane.task.retries",
		metric.WithDescription("Task retries scheduled")); err != nil {
		return nil, err
	}
	if m.LeaseAcquireWait, err = meter.Float64Histogram("coordplane.lease.acquire_seconds",
		metric.WithDescription("Time spent in lease acquire attempts"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.LeaseContention, err = meter.Int64Counter("coordplane.lease.contention",
		metric.WithDescription("Lease acquire attempts that found a live lease held by another agent")); err != nil {
		return nil, err
	}
	if m.MessagesPublished, err = meter.Int64Counter("coordplane.bus.published",
		metric.WithDescription("Messages published to the bus")); err != nil {
		return nil, err
	}
	if m.MessagesDropped, err = meter.Int64Counter("coordplane.bus.dropped",
		metric.WithDescription("Messages dropped due to a full subscriber buffer")); err != nil {
		return nil, err
	}
	if m.RegressionsFound, err = meter.Int64Counter("coordplane.quality.regressions",
		metric.WithDescription("Quality regressions detected against baseline")); err != nil {
		return nil, err
	}
	if m.SyncPushDuration, err = meter.Float64Histogram("coordplane.sync.push_seconds",
		metric.WithDescription("Sync push round-trip duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SyncPullDuration, err = meter.Float64Histogram("coordplane.sync.pull_seconds",
		metric.WithDescription("Sync pull round-trip duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SyncConflicts, err = meter.Int64Counter("coordplane.sync.conflicts",
		metric.WithDescription("Conflicts resolved during sync apply")); err != nil {
		return nil, err
	}
	if m.OfflineQueueDepth, err = meter.Int64UpDownCounter("coordplane.queue.depth",
		metric.WithDescription("Current offline queue depth")); err != nil {
		return nil, err
	}
	if m.GovernorCycles, err = meter.Int64Counter("coordplane.governor.cycles",
		metric.WithDescription("Runtime governor cycles evaluated")); err != nil {
		return nil, err
	}

	return m, nil
}

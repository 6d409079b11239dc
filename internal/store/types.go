package store

import "time"

type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskReady        TaskStatus = "ready"
	TaskClaimed      TaskStatus = "claimed"
	TaskInProgress   TaskStatus = "in_progress"
	TaskPendingRetry TaskStatus = "pending_retry"
	TaskBlocked      TaskStatus = "blocked"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityWeight gives the numeric ranking used by claim ordering and by
// Scheduler's rank function: higher wins.
func PriorityWeight(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type FailureType string

const (
	FailureTaskError       FailureType = "task_error"
	FailureTaskTimeout     FailureType = "task_timeout"
	FailureDependencyError FailureType = "dependency_error"
	FailureQualityFailure  FailureType = "quality_failure"
	FailureResourceError   FailureType = "resource_error"
	FailureAgentCrash      FailureType = "agent_crash"
)

// allowedTaskTransitions enforces I5 (terminal states) and the lifecycle in
// spec.md §3: every status change in the Store goes through this table via
// transitionTaskTx, which is the sole point where task status is written.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending:      {TaskReady: true, TaskBlocked: true},
	TaskBlocked:      {TaskReady: true},
	TaskReady:        {TaskClaimed: true, TaskBlocked: true},
	TaskClaimed:      {TaskInProgress: true, TaskReady: true, TaskCompleted: true, TaskFailed: true, TaskPendingRetry: true},
	TaskInProgress:   {TaskCompleted: true, TaskFailed: true, TaskPendingRetry: true, TaskReady: true},
	TaskPendingRetry: {TaskReady: true, TaskFailed: true},
	TaskCompleted:    {},
	TaskFailed:       {},
}

func canTransitionTask(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

type Task struct {
	ID                string
	Title             string
	Description       string
	Status            TaskStatus
	Priority          Priority
	Type              string
	RequiredSkills    []string
	Dependencies      []string
	Blockers          []string
	Files             []string
	AssignedAgent     *string
	ClaimedAt         *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	EstimatedMinutes  *float64
	ActualMinutes     *float64
	RetryCount        int
	MaxRetries        int
	LastError         *string
	FailureType       *FailureType
	NextRetryAt       *time.Time
	PreviousAgents    []string
	Result            []byte
	Branch            *string
	QualitySnapshotID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SyncVersion       int64
}

type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentError        AgentStatus = "error"
	AgentOffline      AgentStatus = "offline"
	AgentShuttingDown AgentStatus = "shutting_down"
)

type TaskPhase string

const (
	PhaseAnalyzing   TaskPhase = "analyzing"
	PhasePlanning    TaskPhase = "planning"
	PhaseImplementing TaskPhase = "implementing"
	PhaseTesting     TaskPhase = "testing"
	PhaseReviewing   TaskPhase = "reviewing"
)

type Agent struct {
	ID                  string
	Name                string
	Type                string
	Status              AgentStatus
	Skills              []string
	CanRunTests         bool
	CanBuild            bool
	CanBrowser          bool
	MaxTaskMinutes      int
	LastHeartbeat       *time.Time
	HeartbeatCount      int64
	CurrentTaskID       *string
	CurrentTaskProgress float64
	CurrentTaskPhase    *TaskPhase
	TasksCompleted      int64
	TasksFailed         int64
	TotalRuntimeMinutes float64
	MachineInfo         []byte
	PID                 int
	RegisteredAt        time.Time
	LastActiveAt        *time.Time
}

type Lease struct {
	FilePath     string
	AgentID      string
	TaskID       *string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	RenewedCount int
}

type MessageType string

const (
	MsgTaskCreated     MessageType = "task.created"
	MsgTaskClaimed     MessageType = "task.claimed"
	MsgTaskAssigned    MessageType = "task.assigned"
	MsgTaskProgress    MessageType = "task.progress"
	MsgTaskCompleted   MessageType = "task.completed"
	MsgTaskFailed      MessageType = "task.failed"
	MsgTaskHelpNeeded  MessageType = "task.help_needed"
	MsgTaskHandoff     MessageType = "task.handoff"
	MsgFileLockRequest MessageType = "file.lock_request"
	MsgFileLockGranted MessageType = "file.lock_granted"
	MsgFileLockDenied  MessageType = "file.lock_denied"
	MsgCoordSync       MessageType = "coordination.sync"
	MsgCoordResponse   MessageType = "coordination.response"
	MsgInfoDiscovery   MessageType = "info.discovery"
	MsgAgentStarted    MessageType = "agent.started"
	MsgAgentStopped    MessageType = "agent.stopped"
	MsgSystemShutdown  MessageType = "system.shutdown"
	MsgHeartbeat       MessageType = "heartbeat"
	MsgCustom          MessageType = "custom"
)

type Message struct {
	ID                 string
	Type               MessageType
	FromAgent          string
	ToAgent            *string // nil = broadcast
	PayloadContentType string
	Payload            []byte
	AckRequired        bool
	AcknowledgedAt     *time.Time
	AcknowledgedBy     *string
	DeliveredAt        *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
}

type QualitySnapshot struct {
	ID           string
	TaskID       *string
	AgentID      *string
	BuildSuccess *bool
	BuildTimeMs  *int64
	TypeErrors   int
	LintErrors   int
	LintWarnings int
	TestsPassing int
	TestsFailing int
	TestsSkipped int
	TestCoverage *float64
	TestTimeMs   *int64
	Raw          []byte
	RecordedAt   time.Time
}

type QualityBaseline struct {
	BuildSuccess *bool
	TypeErrors   int
	LintErrors   int
	LintWarnings int
	TestsPassing int
	TestsFailing int
	TestsSkipped int
	TestCoverage *float64
	TestTimeMs   *int64
	SetBy        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityMemory  EntityType = "memory"
	EntityMessage EntityType = "message"
	EntityPlan    EntityType = "plan"
)

type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

type ChangeLogEntry struct {
	ID          string
	EntityType  EntityType
	EntityID    string
	Operation   ChangeOp
	SyncVersion int64
	TimestampMs int64
	Payload     []byte // nil for delete
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
	QueueCompleted  QueueStatus = "completed"
)

type QueuedChange struct {
	ID            string
	Operation     string
	ResourceType  string
	ResourceID    string
	Payload       []byte
	Status        QueueStatus
	Attempts      int
	MaxAttempts   int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	Error         *string
}

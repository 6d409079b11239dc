package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicTaskStateChanged: true,
		TopicTaskCompleted:    true,
		TopicTaskFailed:       true,
		TopicTaskRetrying:     true,
		TopicAgentRegistered:  true,
		TopicAgentOffline:     true,
		TopicLeaseAcquired:    true,
		TopicLeaseExpired:     true,
		TopicMessage:          true,
		TopicSyncStarted:      true,
		TopicSyncCompleted:    true,
		TopicSyncFailed:       true,
		TopicQualityRegression: true,
		TopicConflictResolved:  true,
	}
	for topic := range topics {
		if topic == "" {
			t.Fatal("found empty topic constant")
		}
	}
	if len(topics) != 14 {
		t.Fatalf("expected 14 unique topics, got %d", len(topics))
	}
}

func TestTaskStateChangedEvent(t *testing.T) {
	e := TaskStateChangedEvent{TaskID: "task-1", OldStatus: "ready", NewStatus: "claimed"}
	if e.TaskID != "task-1" || e.OldStatus != "ready" || e.NewStatus != "claimed" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestQualityRegressionEvent(t *testing.T) {
	e := QualityRegressionEvent{TaskID: "task-1", Metric: "test_coverage", Before: 80, After: 70}
	if e.Metric != "test_coverage" || e.After >= e.Before {
		t.Fatalf("unexpected regression event: %+v", e)
	}
}

func TestConflictResolvedEvent(t *testing.T) {
	e := ConflictResolvedEvent{EntityType: "task", EntityID: "task-1", Winner: "remote"}
	if e.Winner != "remote" && e.Winner != "local" {
		t.Fatalf("winner must be local or remote, got %q", e.Winner)
	}
}

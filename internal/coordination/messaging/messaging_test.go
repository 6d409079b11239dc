package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/basket/coordplane/internal/store"
	"github.com/basket/coordplane/internal/validation"
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

func TestReceive_DirectMessageDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, Config{DefaultExpiry: time.Hour}, nil)

	agentB := "agent-b"
	if _, err := b.Send(ctx, SendInput{Type: store.MsgHeartbeat, FromAgent: "agent-a", ToAgent: &agentB}); err != nil {
		t.Fatalf("send: %v", err)
	}

	first, err := b.Receive(ctx, agentB, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}

	second, err := b.Receive(ctx, agentB, 0)
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected direct message not to be redelivered, got %d", len(second))
	}
}

func TestReceive_BroadcastDedupedPerAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, Config{DefaultExpiry: time.Hour}, nil)

	if _, err := b.Broadcast(ctx, SendInput{Type: store.MsgAgentStarted, FromAgent: "agent-a"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, agent := range []string{"agent-x", "agent-y"} {
		got, err := b.Receive(ctx, agent, 0)
		if err != nil {
			t.Fatalf("receive for %s: %v", agent, err)
		}
		if len(got) != 1 {
			t.Fatalf("expected %s to see the broadcast once, got %d", agent, len(got))
		}
	}

	// agent-x receiving again should not see it a second time
	got, err := b.Receive(ctx, "agent-x", 0)
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected broadcast not to be redelivered to agent-x, got %d", len(got))
	}
}

func TestAcknowledge_RequiresAckRequired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, Config{DefaultExpiry: time.Hour}, nil)

	agentB := "agent-b"
	msg, err := b.Send(ctx, SendInput{Type: store.MsgHeartbeat, FromAgent: "agent-a", ToAgent: &agentB, AckRequired: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Acknowledge(ctx, msg.ID, agentB); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := b.Acknowledge(ctx, msg.ID, agentB); err == nil {
		t.Fatal("expected second acknowledge to be a no-op error (already acked)")
	}
}

func TestSend_RejectsPayloadFailingRegisteredSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, Config{DefaultExpiry: time.Hour}, nil)

	v := validation.NewRegistry()
	if err := v.Register(payloadSchemaKind, []byte(`{
		"type": "object",
		"required": ["kind"]
	}`)); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	b.WithValidator(v)

	agentB := "agent-b"
	_, err := b.Send(ctx, SendInput{
		Type:      store.MsgHeartbeat,
		FromAgent: "agent-a",
		ToAgent:   &agentB,
		Payload:   []byte(`{"status":"ok"}`),
	})
	if err == nil {
		t.Fatal("expected Send to reject a payload missing the required field")
	}
}

// Package messaging implements C6 MessageBus: durable direct/broadcast
// messages with acknowledgement, TTL, and per-receiver delivery tracking.
// A directed message's delivery is durable (the Store's delivered_at
// column); a broadcast's delivery is necessarily per-receiver and tracked
// only in memory, since a single row can't hold N agents' delivery
// timestamps — that's what internal/coordination/expiring.Set is for.
package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/coordination/expiring"
	"github.com/basket/coordplane/internal/store"
	"github.com/basket/coordplane/internal/validation"
)

// payloadSchemaKind is the validation.Registry kind checked against
// Message.payload in Send.
const payloadSchemaKind = "message.payload"

type Config struct {
	DefaultExpiry time.Duration
	DedupTTL      time.Duration // usually == DefaultExpiry; how long a broadcast's per-agent dedup entry is kept
}

type Bus struct {
	store  *store.Store
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger

	// delivered dedups (agent_id, msg_id) pairs for broadcasts: an agent
	// that has already seen a broadcast must not receive it again even
	// though the durable row never gets a delivered_at stamp.
	delivered *expiring.Set

	validator *validation.Registry
}

func New(s *store.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Bus {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = cfg.DefaultExpiry
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:     s,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		delivered: expiring.New(cfg.DedupTTL, expiring.WithLogger(logger)),
	}
}

// WithValidator attaches a schema registry so Send validates a message's
// payload before persisting it. Optional, same opt-in-per-kind contract
// as internal/coordination/tasks.Registry.WithValidator.
func (b *Bus) WithValidator(v *validation.Registry) *Bus {
	b.validator = v
	return b
}

func dedupKey(agentID, messageID string) string {
	return agentID + ":" + messageID
}

type SendInput struct {
	Type               store.MessageType
	FromAgent          string
	ToAgent            *string
	PayloadContentType string
	Payload            []byte
	AckRequired        bool
	TTL                time.Duration
}

// Send inserts a direct message if ToAgent is set, or a broadcast if nil.
func (b *Bus) Send(ctx context.Context, in SendInput) (*store.Message, error) {
	if b.validator != nil {
		if err := b.validator.Validate(payloadSchemaKind, in.Payload); err != nil {
			return nil, err
		}
	}
	return b.store.SendMessage(ctx, store.MessageInput{
		Type:               in.Type,
		FromAgent:          in.FromAgent,
		ToAgent:            in.ToAgent,
		PayloadContentType: in.PayloadContentType,
		Payload:            in.Payload,
		AckRequired:        in.AckRequired,
		TTL:                in.TTL,
	}, b.cfg.DefaultExpiry)
}

func (b *Bus) Broadcast(ctx context.Context, in SendInput) (*store.Message, error) {
	in.ToAgent = nil
	return b.Send(ctx, in)
}

// Receive returns every message addressed to agentID (direct or broadcast)
// this agent has not yet seen, and marks each as delivered: durably for
// direct messages, in the dedup set only for broadcasts. limit <= 0 means
// unlimited.
func (b *Bus) Receive(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	candidates, err := b.store.ReceiveMessages(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}
	var out []*store.Message
	for _, m := range candidates {
		if m.ToAgent == nil {
			key := dedupKey(agentID, m.ID)
			if b.delivered.Contains(key) {
				continue
			}
			b.delivered.Add(key)
		} else {
			if err := b.store.MarkDelivered(ctx, m.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *Bus) Acknowledge(ctx context.Context, messageID, agentID string) error {
	return b.store.AcknowledgeMessage(ctx, messageID, agentID)
}

// Sweep purges expired message rows and evicts stale dedup entries —
// driven by MessageBusConfig.SweepIntervalMs (default 60s).
func (b *Bus) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := b.store.DeleteExpiredMessages(ctx, now)
	if err != nil {
		return 0, err
	}
	b.delivered.Sweep()
	return n, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/errcode"
)

type MessageInput struct {
	Type               MessageType
	FromAgent          string
	ToAgent            *string // nil = broadcast
	PayloadContentType string
	Payload            []byte
	AckRequired        bool
	TTL                time.Duration // 0 = use MessageBusConfig.DefaultExpiryMs
}

func scanMessageRow(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var toAgent sql.NullString
	var contentType string
	var payload sql.NullString
	var acknowledgedAt, acknowledgedBy, deliveredAt, expiresAt sql.NullString
	var createdAt string
	if err := row.Scan(
		&m.ID, &m.Type, &m.FromAgent, &toAgent, &contentType, &payload,
		&m.AckRequired, &acknowledgedAt, &acknowledgedBy, &deliveredAt, &expiresAt, &createdAt,
	); err != nil {
		return nil, err
	}
	m.ToAgent = strPtr(toAgent)
	m.PayloadContentType = contentType
	if payload.Valid {
		m.Payload = []byte(payload.String)
	}
	m.AcknowledgedAt = timePtr(acknowledgedAt)
	m.AcknowledgedBy = strPtr(acknowledgedBy)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ExpiresAt = timePtr(expiresAt)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

const messageScanColumns = `id, type, from_agent, to_agent, payload_content_type, payload,
	ack_required, acknowledged_at, acknowledged_by, delivered_at, expires_at, created_at`

// Send inserts a message (direct if ToAgent is set, broadcast if nil) and
// publishes it on the in-process bus for any subscribed live readers, so
// online agents see it immediately without polling the store.
func (s *Store) SendMessage(ctx context.Context, in MessageInput, defaultTTL time.Duration) (*Message, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	ttl := in.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl).Format(time.RFC3339Nano)
	}
	contentType := in.PayloadContentType
	if contentType == "" {
		contentType = "application/json"
	}

	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, type, from_agent, to_agent, payload_content_type, payload,
				ack_required, expires_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, in.Type, in.FromAgent, in.ToAgent, contentType, string(in.Payload),
			boolToInt(in.AckRequired), expiresAt, now.Format(time.RFC3339Nano)); err != nil {
			return errcode.New(errcode.TransactionError, "insert message", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+messageScanColumns+` FROM messages WHERE id = ?`, id)
		m, err := scanMessageRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan sent message", err)
		}
		_, err = recordChangeTx(ctx, tx, EntityMessage, id, ChangeCreate, nil)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err == nil && s.bus != nil {
		s.bus.Publish(bus.TopicMessage, msg)
	}
	return msg, err
}

// ReceiveMessages returns messages for agentID (direct-addressed or
// broadcast) not yet marked delivered to it, ordered oldest first.
// Broadcasts are delivered to every agent independently, so "delivered"
// for a broadcast is tracked by presence of an undelivered row scoped to
// the reader — the Store does not mutate delivered_at here; callers call
// MarkDelivered once they've actually handed the message to the agent.
func (s *Store) ReceiveMessages(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageScanColumns + ` FROM messages
		WHERE (to_agent = ? OR to_agent IS NULL) AND delivered_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC
	`
	args := []any{agentID, nowISO()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "receive messages", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan message row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered stamps delivered_at. For a direct message this finalizes
// delivery; for a broadcast, the caller (MessageBus) tracks per-agent
// delivery in memory via Expiring dedup sets, since a single row can't
// hold N agents' delivery timestamps.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`, nowISO(), messageID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "mark message delivered", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "message not found or already delivered: "+messageID, nil)
	}
	return nil
}

func (s *Store) AcknowledgeMessage(ctx context.Context, messageID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND ack_required = 1 AND acknowledged_at IS NULL
	`, nowISO(), agentID, messageID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "acknowledge message", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "message not found, not ack-required, or already acked: "+messageID, nil)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageScanColumns+` FROM messages WHERE id = ?`, messageID)
	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "message not found: "+messageID, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan message", err)
	}
	return m, nil
}

// DeleteExpiredMessages purges rows past expires_at — the MessageBus
// sweep driven by MessageBusConfig.SweepIntervalMs.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errcode.New(errcode.TransactionError, "delete expired messages", err)
	}
	return res.RowsAffected()
}

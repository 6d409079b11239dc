package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentKey struct{}

// WithTraceID attaches a trace_id to the context. Every Store transaction,
// bus publish, and sync round trip carries one end to end so log lines from
// a single logical operation can be correlated.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches the acting agent's ID to the context, for logger
// tagging in components that don't otherwise thread it through as an
// explicit parameter (e.g. store-level retry logging).
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts the acting agent's ID from context. Returns "-" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// Package leases implements C5 LeaseManager: exclusive, TTL-based file
// leases. The Store owns acquire/renew/release/forceRelease as plain
// conditional writes; this package adds `check`, spec.md's canonical read
// — the only path guaranteed to return a live lease, since it evicts a
// stale row before answering rather than returning expired data.
package leases

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/errcode"
	"github.com/basket/coordplane/internal/store"
)

type Manager struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(s *store.Store, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, bus: b, logger: logger}
}

func (m *Manager) Acquire(ctx context.Context, path, agentID string, taskID *string, duration time.Duration) (*store.Lease, error) {
	l, err := m.store.AcquireLease(ctx, path, agentID, taskID, duration)
	if err != nil {
		return nil, err
	}
	m.publish(bus.TopicLeaseAcquired, l)
	return l, nil
}

func (m *Manager) Renew(ctx context.Context, path, agentID string, duration time.Duration) error {
	return m.store.RenewLease(ctx, path, agentID, duration)
}

func (m *Manager) Release(ctx context.Context, path, agentID string) error {
	return m.store.ReleaseLease(ctx, path, agentID)
}

func (m *Manager) ForceRelease(ctx context.Context, path string) error {
	return m.store.ForceReleaseLease(ctx, path)
}

func (m *Manager) ReleaseAll(ctx context.Context, agentID string) (int64, error) {
	return m.store.ReleaseAllForAgent(ctx, agentID)
}

func (m *Manager) FindExpired(ctx context.Context, now time.Time) ([]*store.Lease, error) {
	return m.store.FindExpiredLeases(ctx, now)
}

// Check is the canonical read (P4): if the stored lease's expires_at has
// passed, it is deleted and Check reports absent, rather than returning
// stale data. Every other reader of lease state should go through Check
// (or accept the staleness of a plain GetLease) — this is what keeps "at
// most one live lease per file" true from the caller's point of view even
// though the Store itself does not delete expired rows on a timer.
func (m *Manager) Check(ctx context.Context, path string) (*store.Lease, error) {
	l, err := m.store.GetLease(ctx, path)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(l.ExpiresAt) {
		if ferr := m.store.ForceReleaseLease(ctx, path); ferr != nil {
			return nil, ferr
		}
		m.publish(bus.TopicLeaseExpired, l)
		return nil, errcode.New(errcode.NotFound, "lease expired: "+path, nil)
	}
	return l, nil
}

// Sweep force-releases every expired lease found by FindExpired, for the
// periodic sweep driven by LeaseConfig.SweepIntervalMs (default 15s) rather
// than waiting for a reader to hit Check.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.FindExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range expired {
		if err := m.store.ForceReleaseLease(ctx, l.FilePath); err != nil {
			return n, err
		}
		m.publish(bus.TopicLeaseExpired, l)
		n++
	}
	return n, nil
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

// Package offlinequeue implements C9 OfflineQueue: buffering mutations
// that could not reach the remote peer while this instance was offline,
// and draining that buffer (with backoff on repeated failure) once
// connectivity is restored. The Store owns the durable queue rows;
// this package owns the drain loop, the health-check poll that flips
// online/offline, and the backoff schedule between retry attempts.
package offlinequeue

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/errcode"
	"github.com/basket/coordplane/internal/store"
)

// Handler delivers one queued change to the remote peer. It should wrap
// any transport failure in an *errcode.Error carrying errcode.NetworkError
// (e.g. via errcode.ClassifyNetwork on the raw net/http error) so the
// queue's online/offline signal reacts to genuine connectivity loss and
// not to application-level rejections, which still retry up to
// MaxAttempts but never flip the queue offline.
type Handler func(ctx context.Context, change *store.QueuedChange) error

type Config struct {
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxAttempts         int
	HealthCheckInterval time.Duration
	HealthCheckURL      string
	DrainBatchSize      int
}

type Queue struct {
	store   *store.Store
	bus     *bus.Bus
	handler Handler
	cfg     Config
	logger  *slog.Logger
	client  *http.Client

	online atomic.Bool
}

func New(s *store.Store, b *bus.Bus, handler Handler, cfg Config, logger *slog.Logger) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{store: s, bus: b, handler: handler, cfg: cfg, logger: logger, client: &http.Client{Timeout: 10 * time.Second}}
	q.online.Store(true)
	return q
}

func (q *Queue) Enqueue(ctx context.Context, in store.QueueInput) (*store.QueuedChange, error) {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = q.cfg.MaxAttempts
	}
	return q.store.Enqueue(ctx, in)
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.QueueDepth(ctx)
}

// backoff computes the delay before the next retry attempt: base*2^(n-1)
// plus up to 20% jitter, capped at max. n is the attempt number that just
// failed (1-indexed).
func backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}

// ProcessQueue drains every change currently eligible for an attempt
// (status pending/failed with next_retry_at elapsed), calling Handler for
// each. Returns the count successfully delivered. Stops early and leaves
// the rest queued if the queue transitions offline mid-drain.
func (q *Queue) ProcessQueue(ctx context.Context) (int, error) {
	pending, err := q.store.ListPending(ctx, time.Now().UTC(), q.cfg.DrainBatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, change := range pending {
		if !q.online.Load() {
			break
		}
		if err := q.store.MarkProcessing(ctx, change.ID); err != nil {
			return processed, err
		}
		attemptErr := q.handler(ctx, change)
		if attemptErr == nil {
			if err := q.store.MarkCompleted(ctx, change.ID); err != nil {
				return processed, err
			}
			processed++
			q.publish(bus.TopicChangeSynced, change)
			continue
		}

		if errcode.Of(attemptErr) == errcode.NetworkError {
			q.setOnline(false)
		}
		attempts := change.Attempts + 1
		if attempts >= change.MaxAttempts {
			if err := q.store.MarkFailed(ctx, change.ID, attemptErr.Error(), nil); err != nil {
				return processed, err
			}
			q.publish(bus.TopicChangeFailed, change)
			continue
		}
		next := time.Now().UTC().Add(backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, attempts))
		if err := q.store.MarkFailed(ctx, change.ID, attemptErr.Error(), &next); err != nil {
			return processed, err
		}
	}
	q.publish(bus.TopicQueueProcessed, processed)
	return processed, nil
}

func (q *Queue) setOnline(online bool) {
	if q.online.Swap(online) != online {
		if online {
			q.publish(bus.TopicQueueOnline, nil)
		} else {
			q.publish(bus.TopicQueueOffline, nil)
		}
	}
}

func (q *Queue) IsOnline() bool { return q.online.Load() }

// RunHealthCheck issues a HEAD request against HealthCheckURL and flips
// the online/offline signal accordingly, triggering an immediate drain on
// a transition back to online. Intended to be called on
// HealthCheckIntervalMs by the daemon's scheduling loop.
func (q *Queue) RunHealthCheck(ctx context.Context) error {
	if q.cfg.HealthCheckURL == "" {
		return nil
	}
	wasOffline := !q.online.Load()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, q.cfg.HealthCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := q.client.Do(req)
	if err != nil || resp.StatusCode >= 500 {
		q.setOnline(false)
		return nil
	}
	resp.Body.Close()
	q.setOnline(true)
	if wasOffline {
		if _, err := q.ProcessQueue(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	return q.store.PurgeCompleted(ctx, before)
}

func (q *Queue) publish(topic string, payload any) {
	if q.bus != nil {
		q.bus.Publish(topic, payload)
	}
}

// Package queue is the bounded worker pool that consumes webhook/sync
// events, deduplicating by deliveryId and routing exhausted retries to a
// dead-letter surface (§4.G).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chittyos/chittybridge/internal/kv"
)

// Event is one inbound webhook/sync delivery.
type Event struct {
	DeliveryID string
	Kind       string
	Payload    json.RawMessage
	Deadline   time.Time
}

// Handler processes a single event. A non-nil error triggers bounded
// redelivery up to Config.MaxRetries, then dead-lettering.
type Handler func(ctx context.Context, event Event) error

// Config configures the worker pool.
type Config struct {
	WorkerCount    int
	MaxRetries     int
	IdempotencyTTL time.Duration
}

// Queue is a bounded worker pool draining an inbound event channel.
type Queue struct {
	cfg     Config
	kv      *kv.Store
	handler Handler
	logger  *slog.Logger
	events  chan Event
}

// New constructs a Queue. Call Run to start the worker pool; call Submit to
// enqueue events from the HTTP webhook handler.
func New(cfg Config, store *kv.Store, handler Handler, logger *slog.Logger) *Queue {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Queue{
		cfg:     cfg,
		kv:      store,
		handler: handler,
		logger:  logger,
		events:  make(chan Event, cfg.WorkerCount*4),
	}
}

// Submit enqueues an event for processing, blocking if the internal buffer
// is full or ctx is done.
func (q *Queue) Submit(ctx context.Context, event Event) error {
	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the event channel with Config.WorkerCount concurrent workers
// until ctx is cancelled, following the teacher's conflict-scorer
// concurrency shape: an errgroup of fixed-size workers pulling from a
// shared channel (golang.org/x/sync/errgroup).
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.WorkerCount; i++ {
		g.Go(func() error {
			return q.worker(ctx)
		})
	}
	return g.Wait()
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-q.events:
			if !ok {
				return nil
			}
			q.process(ctx, event)
		}
	}
}

func (q *Queue) process(ctx context.Context, event Event) {
	eventCtx := ctx
	if !event.Deadline.IsZero() {
		var cancel context.CancelFunc
		eventCtx, cancel = context.WithDeadline(ctx, event.Deadline)
		defer cancel()
	}

	reserved, err := q.reserve(eventCtx, event)
	if err != nil {
		q.logger.Error("queue: idempotency reservation failed", "deliveryId", event.DeliveryID, "error", err)
		return
	}
	if !reserved {
		q.logger.Info("queue: duplicate delivery suppressed", "deliveryId", event.DeliveryID)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			q.logger.Warn("queue: retrying event", "deliveryId", event.DeliveryID, "attempt", attempt, "error", lastErr)
		}
		if err := q.handler(eventCtx, event); err != nil {
			lastErr = err
			continue
		}
		return
	}

	q.logger.Error("queue: event exhausted retries, dead-lettering", "deliveryId", event.DeliveryID, "error", lastErr)
	q.deadLetter(ctx, event, lastErr)
}

// reserve claims deliveryId for processing, returning false if it has
// already been claimed (in-progress or completed). Mirrors the teacher's
// BeginIdempotency "stale in-progress keys block rather than are taken
// over" design (issue #57), here against the KV store per spec §3's
// IdempotencyRecord rather than a relational table.
func (q *Queue) reserve(ctx context.Context, event Event) (bool, error) {
	key := fmt.Sprintf("idemp:%s", event.DeliveryID)
	return q.kv.Reserve(ctx, key, "in_progress", q.cfg.IdempotencyTTL)
}

func (q *Queue) deadLetter(ctx context.Context, event Event, cause error) {
	key := fmt.Sprintf("deadletter:%s", event.DeliveryID)
	record, _ := json.Marshal(map[string]any{
		"deliveryId": event.DeliveryID,
		"kind":       event.Kind,
		"error":      cause.Error(),
		"payload":    event.Payload,
	})
	if err := q.kv.Put(ctx, key, string(record), 0); err != nil {
		q.logger.Error("queue: failed to persist dead letter", "deliveryId", event.DeliveryID, "error", err)
	}
}

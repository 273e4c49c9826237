// Package dispatch turns emitted domain events into pending delivery records,
// one per matching endpoint. Emit is synchronous up to delivery-record
// creation; actual HTTP delivery happens asynchronously in the worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/event"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/store"
	"github.com/driftlock/hookrelay/internal/tracing"
)

// ErrInvalidEvent marks Emit failures caused by the event itself rather than
// by the store. Callers use it to separate rejections from outages.
var ErrInvalidEvent = errors.New("invalid event")

// Scheduler releases freshly created deliveries for immediate attempt.
type Scheduler interface {
	ScheduleNow(deliveryID string)
}

// Dispatcher fans events out to subscribed endpoints.
type Dispatcher struct {
	store store.Store
	sched Scheduler
	types *event.Registry
	log   *logging.Logger
	now   func() time.Time
}

// New builds a Dispatcher. The registry decides which event types and
// payload shapes are accepted at emit time.
func New(st store.Store, sched Scheduler, types *event.Registry, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store: st,
		sched: sched,
		types: types,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Emit validates ev, creates one pending delivery per matching active
// endpoint, and hands each to the scheduler. It returns the fan-out count.
//
// Registry-lookup and insert failures propagate to the caller; a duplicate
// idempotency key or an event with no subscribers is a no-op, not an error.
func (d *Dispatcher) Emit(ctx context.Context, ev event.Event) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Emit",
		attribute.String("event_type", ev.Type),
		attribute.String("owner_id", ev.OwnerID),
	)
	defer span.End()

	if ev.OwnerID == "" {
		return 0, fmt.Errorf("emit: %w: owner id is required", ErrInvalidEvent)
	}
	if err := d.types.Validate(ev); err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("emit: %w: %v", ErrInvalidEvent, err)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}
	span.SetAttributes(attribute.String("event_id", ev.ID))

	if ev.IdempotencyKey != "" {
		seen, err := d.store.SeenEvent(ctx, ev.OwnerID, ev.IdempotencyKey)
		if err != nil {
			tracing.RecordError(ctx, err)
			return 0, fmt.Errorf("emit: idempotency check: %w", err)
		}
		if seen {
			tracing.AddEvent(ctx, "duplicate_event_detected")
			d.log.WithContext(ctx).WithOwner(ev.OwnerID).WithEvent(ev.ID).
				WithField("idempotency_key", ev.IdempotencyKey).
				Info("duplicate event, skipping fan-out")
			return 0, nil
		}
	}

	endpoints, err := d.store.FindActiveSubscribers(ctx, ev.OwnerID, ev.Type)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("emit: subscriber lookup: %w", err)
	}
	span.SetAttributes(attribute.Int("subscriber_count", len(endpoints)))
	if len(endpoints) == 0 {
		d.markSeen(ctx, ev)
		metrics.RecordEmit(ev.Type)
		return 0, nil
	}

	now := d.now()
	deliveries := make([]*delivery.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		id := uuid.NewString()
		payload, err := event.Marshal(ev, id)
		if err != nil {
			tracing.RecordError(ctx, err)
			return 0, fmt.Errorf("emit: marshal envelope: %w", err)
		}
		deliveries = append(deliveries, &delivery.Delivery{
			ID:            id,
			EventID:       ev.ID,
			EndpointID:    ep.ID,
			OwnerID:       ev.OwnerID,
			EventType:     ev.Type,
			Payload:       payload,
			Secret:        ep.Secret,
			Status:        delivery.StatusPending,
			AttemptCount:  0,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := d.store.InsertDeliveries(ctx, deliveries); err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("emit: insert deliveries: %w", err)
	}
	d.markSeen(ctx, ev)

	for _, dd := range deliveries {
		d.sched.ScheduleNow(dd.ID)
	}

	metrics.RecordEmit(ev.Type)
	tracing.AddEvent(ctx, "deliveries_created", attribute.Int("count", len(deliveries)))
	d.log.WithContext(ctx).WithOwner(ev.OwnerID).WithEvent(ev.ID).
		WithField("fanout", len(deliveries)).
		Infof("event %s fanned out", ev.Type)
	return len(deliveries), nil
}

// markSeen records the idempotency key once the emit has succeeded. Recording
// after the insert keeps a failed emit retryable with the same key; a mark
// failure is only logged, since the deliveries are already durable and the
// worst case of a retried emit is duplicate fan-out, which receivers
// deduplicate by delivery id.
func (d *Dispatcher) markSeen(ctx context.Context, ev event.Event) {
	if ev.IdempotencyKey == "" {
		return
	}
	if err := d.store.MarkEventSeen(ctx, ev.OwnerID, ev.IdempotencyKey); err != nil {
		tracing.RecordError(ctx, err)
		d.log.WithContext(ctx).WithOwner(ev.OwnerID).WithEvent(ev.ID).
			WithField("idempotency_key", ev.IdempotencyKey).
			WithError(err).Error("idempotency key record failed")
	}
}

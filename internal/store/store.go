// Package store defines the persistence contracts the delivery subsystem
// needs, a registry of endpoint registrations and a durable log of delivery
// records, and provides postgres and in-memory implementations. The delivery
// logic never touches a database directly, so the backing store can be
// swapped without changing it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/driftlock/hookrelay/internal/delivery"
)

// ErrNotFound is returned when a delivery or endpoint id does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when an update targets a delivery that already
// reached a terminal state. Terminal records are immutable.
var ErrTerminal = errors.New("delivery is terminal")

// EndpointRegistry is the read/outcome contract over endpoint registrations,
// plus the small management surface the admin API exposes.
type EndpointRegistry interface {
	// FindActiveSubscribers returns active endpoints owned by ownerID that
	// subscribe to eventType.
	FindActiveSubscribers(ctx context.Context, ownerID, eventType string) ([]*delivery.Endpoint, error)

	// GetEndpoint returns the endpoint by id, active or not.
	GetEndpoint(ctx context.Context, id string) (*delivery.Endpoint, error)

	// RecordOutcome rolls the endpoint's delivery bookkeeping: success resets
	// the consecutive failure count and stamps last_success_at; failure
	// increments the count and stamps last_failure_at.
	RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error

	CreateEndpoint(ctx context.Context, ep *delivery.Endpoint) error
	ListEndpoints(ctx context.Context, ownerID string) ([]*delivery.Endpoint, error)
	DeactivateEndpoint(ctx context.Context, id string) error
}

// DeliveryStore is the durable log of delivery records. It is the single
// source of truth for delivery state: workers hold nothing in memory between
// attempts.
type DeliveryStore interface {
	InsertDeliveries(ctx context.Context, ds []*delivery.Delivery) error
	GetDelivery(ctx context.Context, id string) (*delivery.Delivery, error)

	// UpdateDelivery applies patch to the delivery. Updating a record already
	// in a terminal state returns ErrTerminal.
	UpdateDelivery(ctx context.Context, id string, patch delivery.Patch) error

	// FindDue returns ids of pending/retrying deliveries whose next_attempt_at
	// is at or before the given time, oldest first, at most limit.
	FindDue(ctx context.Context, before time.Time, limit int) ([]string, error)

	// ListByEndpoint returns the most recent deliveries for an endpoint so an
	// operator can diagnose a persistently failing integration.
	ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*delivery.Delivery, error)

	// DeleteOlderThan removes terminal deliveries created before cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// ClaimDelivery leases a due delivery for one attempt: if the delivery is
	// awaiting an attempt and its next_attempt_at is at or before now, it is
	// pushed to until and true is returned. A false result means another
	// worker holds the claim, the delivery is not yet due, or it is terminal.
	// The lease only matters when a worker dies mid-attempt; a completed
	// attempt overwrites next_attempt_at with the real retry time.
	ClaimDelivery(ctx context.Context, id string, now, until time.Time) (bool, error)

	// SeenEvent reports whether an (owner, idempotency key) pair has been
	// recorded. A recorded pair means the event already fanned out and must
	// not fan out again. Read-only; pairs are recorded with MarkEventSeen.
	SeenEvent(ctx context.Context, ownerID, key string) (bool, error)

	// MarkEventSeen records the pair. Called only after the event's
	// deliveries are durably inserted, so a failed emit can be retried with
	// the same key.
	MarkEventSeen(ctx context.Context, ownerID, key string) error
}

// Store bundles both contracts; the concrete adapters implement both over
// one backend.
type Store interface {
	EndpointRegistry
	DeliveryStore
}

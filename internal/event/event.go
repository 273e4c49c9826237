// Package event defines the domain events that fan out to webhook endpoints
// and the wire envelope receivers see.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an ephemeral fact produced by the rest of the system. It is never
// persisted on its own; it exists only to produce delivery records.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OwnerID        string          `json:"owner_id"`
	Data           json.RawMessage `json:"data"`
	OccurredAt     time.Time       `json:"occurred_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Envelope is the JSON body POSTed to receivers. The bytes produced by
// Marshal are signed and transmitted verbatim.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	OwnerID   string          `json:"ownerId"`
}

// Marshal serializes the envelope for ev with deliveryID as the receiver-facing
// idempotency key. The returned bytes are canonical: they are stored on the
// delivery record and every attempt signs and sends exactly these bytes.
func Marshal(ev Event, deliveryID string) ([]byte, error) {
	env := Envelope{
		ID:        deliveryID,
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		OwnerID:   ev.OwnerID,
	}
	return json.Marshal(env)
}

// Validator checks a payload for one event type.
type Validator func(data json.RawMessage) error

// Registry maps event types to payload validators. Payloads are dynamic JSON
// on the wire, but each known type gets a schema check at emit time so a bad
// payload is rejected synchronously instead of failing at every receiver.
type Registry struct {
	validators map[string]Validator
	strict     bool
}

// NewRegistry returns an empty registry. When strict is true, events with an
// unregistered type are rejected; otherwise unknown types pass through with
// only a JSON well-formedness check.
func NewRegistry(strict bool) *Registry {
	return &Registry{
		validators: make(map[string]Validator),
		strict:     strict,
	}
}

// Register adds a validator for eventType, replacing any previous one.
// A nil validator registers the type with only the well-formedness check.
func (r *Registry) Register(eventType string, v Validator) {
	r.validators[eventType] = v
}

// Known reports whether eventType has been registered.
func (r *Registry) Known(eventType string) bool {
	_, ok := r.validators[eventType]
	return ok
}

// Validate checks ev's payload against the registered schema for its type.
func (r *Registry) Validate(ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return fmt.Errorf("event %q: payload is not valid JSON", ev.Type)
	}
	v, ok := r.validators[ev.Type]
	if !ok {
		if r.strict {
			return fmt.Errorf("unsupported event type %q", ev.Type)
		}
		return nil
	}
	if v == nil {
		return nil
	}
	if err := v(ev.Data); err != nil {
		return fmt.Errorf("event %q: %w", ev.Type, err)
	}
	return nil
}

// RequireFields returns a validator that checks the payload is a JSON object
// containing each of the named top-level fields.
func RequireFields(fields ...string) Validator {
	return func(data json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		for _, f := range fields {
			if _, ok := obj[f]; !ok {
				return fmt.Errorf("payload missing required field %q", f)
			}
		}
		return nil
	}
}

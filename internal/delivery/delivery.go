// Package delivery defines the delivery record (one attempt-tracked
// notification of one endpoint for one event) and the endpoint registration
// it targets. The delivery is the unit of retry and the unit of idempotence:
// its id is sent to receivers so duplicate attempts can be discarded.
package delivery

import (
	"time"
)

// Status is the delivery state machine position.
//
//	pending:  awaiting the first attempt
//	retrying: awaiting a later attempt (attempt count > 0)
//	success:  terminal, receiver acknowledged with 2xx
//	failed:   terminal, retries exhausted or policy failure
//
// Terminal records are immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Awaiting reports whether s means the delivery is waiting for an attempt.
func (s Status) Awaiting() bool {
	return s == StatusPending || s == StatusRetrying
}

// MaxErrorLen bounds the stored last_error text so a chatty receiver cannot
// grow storage without bound.
const MaxErrorLen = 512

// Delivery is an immutable snapshot of one event bound for one endpoint,
// plus the mutable attempt bookkeeping around it.
//
// Payload holds the canonical envelope bytes: they were marshaled exactly
// once at creation and every attempt signs and sends them verbatim. Secret
// is the endpoint's signing key captured at the same moment, so rotating an
// endpoint secret never changes an in-flight delivery's signature.
type Delivery struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	EndpointID string `json:"endpoint_id"`
	OwnerID    string `json:"owner_id"`
	EventType  string `json:"event_type"`
	Payload    []byte `json:"payload"`
	Secret     string `json:"-"`

	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastHTTPStatus int        `json:"last_http_status,omitempty"` // 0 for transport errors
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Patch is a partial update applied to a delivery record. Nil fields are
// left untouched.
type Patch struct {
	Status         *Status
	AttemptCount   *int
	LastHTTPStatus *int
	LastError      *string
	NextAttemptAt  *time.Time
	DeliveredAt    *time.Time
}

// TruncateError bounds an error or response-body string for storage.
func TruncateError(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	return s[:MaxErrorLen]
}

// Endpoint is a registered subscriber. Created and updated by the management
// surface; the delivery side only reads it, except for the rolling outcome
// bookkeeping fields updated after each terminal delivery.
type Endpoint struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	URL            string    `json:"url"`
	Secret         string    `json:"-"` // never logged or returned in plaintext
	EventTypes     []string  `json:"event_types"`
	Active         bool      `json:"active"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"` // 0 means the system default
	MaxRetries     int       `json:"max_retries,omitempty"`     // 0 means the system default
	CreatedAt      time.Time `json:"created_at"`

	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// SubscribedTo reports whether the endpoint subscribes to eventType.
// An empty subscription set disables the endpoint.
func (e *Endpoint) SubscribedTo(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

package delivery

import "time"

// DLQType tags dead-letter envelopes on the wire.
const DLQType = "delivery.dead"

// DeadLetter is the envelope published to the dead-letter topic when a
// delivery reaches terminal failure. It carries enough of the delivery
// snapshot for downstream tooling to inspect or replay without a store read.
type DeadLetter struct {
	Type       string `json:"type"`    // always DLQType
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the letter was emitted
	Reason     string `json:"reason"`
	DeliveryID string `json:"delivery_id"`
	EndpointID string `json:"endpoint_id"`
	OwnerID    string `json:"owner_id"`
	EventType  string `json:"event_type"`
	Attempt    int    `json:"attempt"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Payload    []byte `json:"payload"`
}

// NewDeadLetter builds a dead-letter envelope from a terminally failed delivery.
func NewDeadLetter(d *Delivery, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		DeliveryID: d.ID,
		EndpointID: d.EndpointID,
		OwnerID:    d.OwnerID,
		EventType:  d.EventType,
		Attempt:    d.AttemptCount,
		HTTPStatus: d.LastHTTPStatus,
		LastError:  d.LastError,
		Payload:    d.Payload,
	}
}

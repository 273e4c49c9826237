package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalEnvelope(t *testing.T) {
	ev := Event{
		ID:         "ev-1",
		Type:       "client.created",
		OwnerID:    "owner-7",
		Data:       json.RawMessage(`{"client_id":"c-9"}`),
		OccurredAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	b, err := Marshal(ev, "d-123")
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ID != "d-123" {
		t.Errorf("envelope id = %q, want delivery id %q", env.ID, "d-123")
	}
	if env.Type != "client.created" {
		t.Errorf("envelope type = %q", env.Type)
	}
	if env.OwnerID != "owner-7" {
		t.Errorf("envelope ownerId = %q", env.OwnerID)
	}
	if string(env.Data) != `{"client_id":"c-9"}` {
		t.Errorf("envelope data = %s", env.Data)
	}
	if env.Timestamp != "2025-03-14T09:26:53Z" {
		t.Errorf("envelope timestamp = %q", env.Timestamp)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	ev := Event{
		ID:         "ev-1",
		Type:       "step.completed",
		OwnerID:    "o1",
		Data:       json.RawMessage(`{"step":3}`),
		OccurredAt: time.Now(),
	}
	a, err := Marshal(ev, "d-1")
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	b, err := Marshal(ev, "d-1")
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if string(a) != string(b) {
		t.Error("Marshal() is not deterministic for the same event and delivery id")
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry(true)
	reg.Register("client.created", RequireFields("client_id"))
	reg.Register("kit.sent", nil)

	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{
			name:    "known type with valid payload",
			ev:      Event{Type: "client.created", Data: json.RawMessage(`{"client_id":"c-1"}`)},
			wantErr: false,
		},
		{
			name:    "known type missing required field",
			ev:      Event{Type: "client.created", Data: json.RawMessage(`{"name":"x"}`)},
			wantErr: true,
		},
		{
			name:    "registered type without validator",
			ev:      Event{Type: "kit.sent", Data: json.RawMessage(`[1,2,3]`)},
			wantErr: false,
		},
		{
			name:    "unknown type rejected in strict mode",
			ev:      Event{Type: "mystery.event", Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "empty type",
			ev:      Event{Type: "", Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "malformed JSON payload",
			ev:      Event{Type: "kit.sent", Data: json.RawMessage(`{"broken`)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLenientMode(t *testing.T) {
	reg := NewRegistry(false)
	ev := Event{Type: "anything.goes", Data: json.RawMessage(`{"ok":true}`)}
	if err := reg.Validate(ev); err != nil {
		t.Errorf("lenient Validate() error = %v, want nil", err)
	}
	bad := Event{Type: "anything.goes", Data: json.RawMessage(`not json`)}
	if err := reg.Validate(bad); err == nil {
		t.Error("lenient Validate() accepted malformed JSON")
	}
}

func TestRequireFieldsNonObject(t *testing.T) {
	v := RequireFields("a")
	if err := v(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("RequireFields accepted a JSON array")
	}
}

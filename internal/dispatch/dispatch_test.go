package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/event"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/store"
)

type recordingScheduler struct {
	released []string
}

func (r *recordingScheduler) ScheduleNow(id string) {
	r.released = append(r.released, id)
}

type failingLookupStore struct {
	*store.Memory
}

func (f *failingLookupStore) FindActiveSubscribers(ctx context.Context, ownerID, eventType string) ([]*delivery.Endpoint, error) {
	return nil, errors.New("registry unavailable")
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter("dispatch-test", io.Discard)
}

func newEndpoint(id, owner string, active bool, types ...string) *delivery.Endpoint {
	return &delivery.Endpoint{
		ID: id, OwnerID: owner, URL: "https://receiver.example/hook",
		Secret: "s-" + id, EventTypes: types, Active: active,
		CreatedAt: time.Now().UTC(),
	}
}

func TestEmitNoSubscribers(t *testing.T) {
	m := store.NewMemory()
	sched := &recordingScheduler{}
	d := New(m, sched, event.NewRegistry(false), testLogger())

	n, err := d.Emit(context.Background(), event.Event{
		Type: "client.created", OwnerID: "o1", Data: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if n != 0 {
		t.Errorf("fanout = %d, want 0", n)
	}
	if len(sched.released) != 0 {
		t.Errorf("scheduler released %v for a no-subscriber event", sched.released)
	}
	due, _ := m.FindDue(context.Background(), time.Now().Add(time.Hour), 100)
	if len(due) != 0 {
		t.Errorf("deliveries created for a no-subscriber event: %v", due)
	}
}

func TestEmitFansOutToMatchingEndpoints(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for _, ep := range []*delivery.Endpoint{
		newEndpoint("ep-1", "o1", true, "client.created"),
		newEndpoint("ep-2", "o1", true, "client.created", "step.completed"),
		newEndpoint("ep-3", "o1", false, "client.created"),       // inactive
		newEndpoint("ep-4", "o1", true, "step.completed"),        // other type
		newEndpoint("ep-5", "o2", true, "client.created"),        // other owner
	} {
		if err := m.CreateEndpoint(ctx, ep); err != nil {
			t.Fatalf("CreateEndpoint: %v", err)
		}
	}
	sched := &recordingScheduler{}
	d := New(m, sched, event.NewRegistry(false), testLogger())

	n, err := d.Emit(ctx, event.Event{
		Type: "client.created", OwnerID: "o1", Data: json.RawMessage(`{"client_id":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if n != 2 {
		t.Fatalf("fanout = %d, want 2", n)
	}
	if len(sched.released) != 2 {
		t.Fatalf("scheduler got %d releases, want 2", len(sched.released))
	}

	for _, id := range sched.released {
		dd, err := m.GetDelivery(ctx, id)
		if err != nil {
			t.Fatalf("GetDelivery(%s): %v", id, err)
		}
		if dd.Status != delivery.StatusPending {
			t.Errorf("delivery %s status = %s, want pending", id, dd.Status)
		}
		if dd.AttemptCount != 0 {
			t.Errorf("delivery %s attempt count = %d, want 0", id, dd.AttemptCount)
		}
		if dd.Secret == "" {
			t.Errorf("delivery %s missing signing-key snapshot", id)
		}
		var env event.Envelope
		if err := json.Unmarshal(dd.Payload, &env); err != nil {
			t.Fatalf("payload is not an envelope: %v", err)
		}
		if env.ID != dd.ID {
			t.Errorf("envelope id = %q, want delivery id %q", env.ID, dd.ID)
		}
		if env.Type != "client.created" || env.OwnerID != "o1" {
			t.Errorf("envelope = %+v", env)
		}
	}
}

func TestEmitRegistryLookupFailurePropagates(t *testing.T) {
	m := &failingLookupStore{store.NewMemory()}
	d := New(m, &recordingScheduler{}, event.NewRegistry(false), testLogger())

	_, err := d.Emit(context.Background(), event.Event{
		Type: "client.created", OwnerID: "o1", Data: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("Emit did not propagate the registry lookup failure")
	}
	// store failures are not the caller's fault
	if errors.Is(err, ErrInvalidEvent) {
		t.Errorf("store failure classified as invalid event: %v", err)
	}
}

func TestEmitIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	if err := m.CreateEndpoint(ctx, newEndpoint("ep-1", "o1", true, "client.created")); err != nil {
		t.Fatal(err)
	}
	sched := &recordingScheduler{}
	d := New(m, sched, event.NewRegistry(false), testLogger())

	ev := event.Event{
		Type: "client.created", OwnerID: "o1",
		Data: json.RawMessage(`{}`), IdempotencyKey: "pub-1",
	}
	n, err := d.Emit(ctx, ev)
	if err != nil || n != 1 {
		t.Fatalf("first Emit = (%d, %v), want (1, nil)", n, err)
	}
	n, err = d.Emit(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate Emit: %v", err)
	}
	if n != 0 {
		t.Errorf("duplicate Emit fanout = %d, want 0", n)
	}
	if len(sched.released) != 1 {
		t.Errorf("scheduler released %d, want 1", len(sched.released))
	}
}

type failOnceInsertStore struct {
	*store.Memory
	failed bool
}

func (f *failOnceInsertStore) InsertDeliveries(ctx context.Context, ds []*delivery.Delivery) error {
	if !f.failed {
		f.failed = true
		return errors.New("connection reset")
	}
	return f.Memory.InsertDeliveries(ctx, ds)
}

// An Emit that dies between the duplicate check and the delivery insert must
// not consume the idempotency key. The caller retries with the same key and
// expects the full fan-out, not a silent duplicate drop.
func TestEmitRetryAfterInsertFailure(t *testing.T) {
	ctx := context.Background()
	m := &failOnceInsertStore{Memory: store.NewMemory()}
	if err := m.CreateEndpoint(ctx, newEndpoint("ep-1", "o1", true, "client.created")); err != nil {
		t.Fatal(err)
	}
	sched := &recordingScheduler{}
	d := New(m, sched, event.NewRegistry(false), testLogger())

	ev := event.Event{
		Type: "client.created", OwnerID: "o1",
		Data: json.RawMessage(`{}`), IdempotencyKey: "pub-1",
	}
	if _, err := d.Emit(ctx, ev); err == nil {
		t.Fatal("Emit succeeded despite the insert failure")
	}
	n, err := d.Emit(ctx, ev)
	if err != nil {
		t.Fatalf("retry Emit: %v", err)
	}
	if n != 1 {
		t.Errorf("retry fanout = %d, want 1", n)
	}
	if len(sched.released) != 1 {
		t.Errorf("scheduler released %d, want 1", len(sched.released))
	}

	// the retry did consume the key
	n, err = d.Emit(ctx, ev)
	if err != nil || n != 0 {
		t.Errorf("duplicate after successful retry = (%d, %v), want (0, nil)", n, err)
	}
}

func TestEmitValidation(t *testing.T) {
	m := store.NewMemory()
	reg := event.NewRegistry(true)
	reg.Register("client.created", event.RequireFields("client_id"))
	d := New(m, &recordingScheduler{}, reg, testLogger())

	tests := []struct {
		name string
		ev   event.Event
	}{
		{"missing owner", event.Event{Type: "client.created", Data: json.RawMessage(`{"client_id":"c"}`)}},
		{"unknown type in strict mode", event.Event{Type: "nope", OwnerID: "o1", Data: json.RawMessage(`{}`)}},
		{"schema violation", event.Event{Type: "client.created", OwnerID: "o1", Data: json.RawMessage(`{}`)}},
		{"malformed payload", event.Event{Type: "client.created", OwnerID: "o1", Data: json.RawMessage(`{{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Emit(context.Background(), tt.ev)
			if err == nil {
				t.Fatal("Emit accepted an invalid event")
			}
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Emit error %v is not ErrInvalidEvent", err)
			}
		})
	}
}

func TestEmitStampsEventIdentity(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	if err := m.CreateEndpoint(ctx, newEndpoint("ep-1", "o1", true, "kit.sent")); err != nil {
		t.Fatal(err)
	}
	sched := &recordingScheduler{}
	d := New(m, sched, event.NewRegistry(false), testLogger())

	if _, err := d.Emit(ctx, event.Event{Type: "kit.sent", OwnerID: "o1", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	dd, err := m.GetDelivery(ctx, sched.released[0])
	if err != nil {
		t.Fatal(err)
	}
	if dd.EventID == "" {
		t.Error("delivery has no event id")
	}
	var env event.Envelope
	if err := json.Unmarshal(dd.Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Timestamp == "" {
		t.Error("envelope timestamp not stamped")
	}
}

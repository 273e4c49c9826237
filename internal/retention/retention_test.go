package retention

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/store"
)

func seed(t *testing.T, m *store.Memory, id string, status delivery.Status, createdAt time.Time) {
	t.Helper()
	d := &delivery.Delivery{
		ID: id, EventID: "ev-" + id, EndpointID: "ep-1", OwnerID: "o1",
		EventType: "client.created", Payload: []byte(`{}`), Secret: "s",
		Status: delivery.StatusPending, NextAttemptAt: createdAt,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	if err := m.InsertDeliveries(context.Background(), []*delivery.Delivery{d}); err != nil {
		t.Fatal(err)
	}
	if status != delivery.StatusPending {
		st := status
		if err := m.UpdateDelivery(context.Background(), id, delivery.Patch{Status: &st}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepRemovesOnlyOldTerminalRecords(t *testing.T) {
	m := store.NewMemory()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	seed(t, m, "d-old-success", delivery.StatusSuccess, old)
	seed(t, m, "d-old-failed", delivery.StatusFailed, old)
	seed(t, m, "d-old-pending", delivery.StatusPending, old) // awaiting, must survive
	seed(t, m, "d-new-success", delivery.StatusSuccess, now)

	s := New(m, 24*time.Hour, "@every 1h", logging.NewWithWriter("retention-test", io.Discard))
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	ctx := context.Background()
	for _, id := range []string{"d-old-pending", "d-new-success"} {
		if _, err := m.GetDelivery(ctx, id); err != nil {
			t.Errorf("%s was deleted: %v", id, err)
		}
	}
	for _, id := range []string{"d-old-success", "d-old-failed"} {
		if _, err := m.GetDelivery(ctx, id); err != store.ErrNotFound {
			t.Errorf("%s survived the sweep", id)
		}
	}
}

func TestSweepEmptyStore(t *testing.T) {
	s := New(store.NewMemory(), 24*time.Hour, "@every 1h", logging.NewWithWriter("retention-test", io.Discard))
	n, err := s.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep = (%d, %v), want (0, nil)", n, err)
	}
}

package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/dispatch"
	"github.com/driftlock/hookrelay/internal/event"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/store"
	"github.com/driftlock/hookrelay/internal/worker"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter("scheduler-test", io.Discard)
}

type fakeProcessor struct {
	mu   sync.Mutex
	got  []string
	seen chan string
	gate chan struct{} // when non-nil, Process blocks until closed
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{seen: make(chan string, 32)}
}

func (f *fakeProcessor) Process(ctx context.Context, id string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.got = append(f.got, id)
	f.mu.Unlock()
	f.seen <- id
	return nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func seedAwaiting(t *testing.T, m *store.Memory, id string, due time.Time) {
	t.Helper()
	d := &delivery.Delivery{
		ID: id, EventID: "ev-" + id, EndpointID: "ep-1", OwnerID: "o1",
		EventType: "client.created", Payload: []byte(`{}`), Secret: "s",
		Status: delivery.StatusPending, NextAttemptAt: due,
		CreatedAt: due, UpdatedAt: due,
	}
	if err := m.InsertDeliveries(context.Background(), []*delivery.Delivery{d}); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func TestScheduleNowReleasesImmediately(t *testing.T) {
	m := store.NewMemory()
	seedAwaiting(t, m, "d-1", time.Now().UTC())
	proc := newFakeProcessor()
	s := New(m, proc, Options{PoolSize: 2, SweepInterval: time.Minute}, testLogger())
	run(t, s)

	s.ScheduleNow("d-1")
	select {
	case id := <-proc.seen:
		if id != "d-1" {
			t.Fatalf("processed %q, want d-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery was never released to the pool")
	}
}

// Deliveries left awaiting by a dead process must be picked up by the next
// process with no broker message and no ScheduleNow call.
func TestStartupSweepRecoversPastDue(t *testing.T) {
	m := store.NewMemory()
	past := time.Now().UTC().Add(-time.Hour)
	seedAwaiting(t, m, "d-old-1", past)
	seedAwaiting(t, m, "d-old-2", past.Add(time.Minute))

	proc := newFakeProcessor()
	s := New(m, proc, Options{PoolSize: 2, SweepInterval: time.Minute}, testLogger())
	run(t, s)

	want := map[string]bool{"d-old-1": false, "d-old-2": false}
	for i := 0; i < 2; i++ {
		select {
		case id := <-proc.seen:
			want[id] = true
		case <-time.After(time.Second):
			t.Fatalf("startup sweep recovered %d of 2 deliveries", i)
		}
	}
	for id, ok := range want {
		if !ok {
			t.Errorf("%s was not recovered", id)
		}
	}
}

func TestPeriodicSweepReleasesWhenDue(t *testing.T) {
	m := store.NewMemory()
	seedAwaiting(t, m, "d-soon", time.Now().UTC().Add(100*time.Millisecond))

	proc := newFakeProcessor()
	s := New(m, proc, Options{PoolSize: 1, SweepInterval: 50 * time.Millisecond}, testLogger())
	run(t, s)

	select {
	case id := <-proc.seen:
		if id != "d-soon" {
			t.Fatalf("processed %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never released the due delivery")
	}
}

func TestEnqueueDeduplicatesInflight(t *testing.T) {
	m := store.NewMemory()
	seedAwaiting(t, m, "d-dup", time.Now().UTC().Add(-time.Second))
	proc := newFakeProcessor()
	proc.gate = make(chan struct{})
	s := New(m, proc, Options{PoolSize: 4, SweepInterval: time.Minute}, testLogger())
	run(t, s)

	for i := 0; i < 5; i++ {
		s.Enqueue("d-dup")
	}
	time.Sleep(50 * time.Millisecond)
	close(proc.gate)

	select {
	case <-proc.seen:
	case <-time.After(time.Second):
		t.Fatal("delivery never processed")
	}
	// give any duplicate a chance to surface
	select {
	case id := <-proc.seen:
		t.Fatalf("duplicate release for %q", id)
	case <-time.After(100 * time.Millisecond):
	}
	if proc.count() != 1 {
		t.Errorf("processed %d times, want 1", proc.count())
	}
}

func TestScheduleAtFiresTimer(t *testing.T) {
	m := store.NewMemory()
	start := time.Now()
	// both due after the startup sweep so only the timer paths release them
	seedAwaiting(t, m, "d-later", start.UTC().Add(80*time.Millisecond))
	seedAwaiting(t, m, "d-past", start.UTC().Add(80*time.Millisecond))
	proc := newFakeProcessor()
	s := New(m, proc, Options{PoolSize: 1, SweepInterval: time.Minute}, testLogger())
	run(t, s)

	s.ScheduleAt("d-later", start.Add(80*time.Millisecond))
	select {
	case <-proc.seen:
		if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
			t.Errorf("timer fired after %v, want roughly 80ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	// past times release immediately
	s.ScheduleAt("d-past", time.Now().Add(-time.Second))
	select {
	case <-proc.seen:
	case <-time.After(time.Second):
		t.Fatal("past-due ScheduleAt did not release")
	}
}

type recordingNudger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingNudger) Nudge(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func TestScheduleNowNudgesPeers(t *testing.T) {
	m := store.NewMemory()
	seedAwaiting(t, m, "d-1", time.Now().UTC())
	proc := newFakeProcessor()
	s := New(m, proc, Options{PoolSize: 1, SweepInterval: time.Minute}, testLogger())
	n := &recordingNudger{}
	s.SetNudger(n)
	run(t, s)

	s.ScheduleNow("d-1")
	<-proc.seen
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.ids) != 1 || n.ids[0] != "d-1" {
		t.Errorf("nudges = %v, want [d-1]", n.ids)
	}
}

// Two worker processes sweeping the same database must not both attempt one
// due delivery. The store claim arbitrates: the first claimer pushes the
// attempt time forward and the second finds nothing to do.
func TestConcurrentSchedulersReleaseOnce(t *testing.T) {
	m := store.NewMemory()
	seedAwaiting(t, m, "d-contested", time.Now().UTC().Add(-time.Minute))

	proc := newFakeProcessor()
	a := New(m, proc, Options{PoolSize: 2, SweepInterval: time.Minute}, testLogger())
	b := New(m, proc, Options{PoolSize: 2, SweepInterval: time.Minute}, testLogger())
	run(t, a)
	run(t, b)

	select {
	case <-proc.seen:
	case <-time.After(time.Second):
		t.Fatal("neither scheduler released the due delivery")
	}
	select {
	case id := <-proc.seen:
		t.Fatalf("both schedulers attempted %q", id)
	case <-time.After(200 * time.Millisecond):
	}
	if proc.count() != 1 {
		t.Errorf("processed %d times, want 1", proc.count())
	}
}

// Full pipeline: emit an event, let the scheduler release it, and let the
// worker deliver it to a live receiver.
func TestEndToEndDelivery(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	m := store.NewMemory()
	if err := m.CreateEndpoint(ctx, &delivery.Endpoint{
		ID: "ep-1", OwnerID: "o1", URL: srv.URL, Secret: "k",
		EventTypes: []string{"report.ready"}, Active: true, MaxRetries: 3,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	w := worker.New(m, worker.Options{DefaultTimeout: 2 * time.Second}, testLogger())
	s := New(m, w, Options{PoolSize: 2, SweepInterval: time.Minute}, testLogger())
	w.SetRescheduler(s)
	run(t, s)

	d := dispatch.New(m, s, event.NewRegistry(false), testLogger())
	n, err := d.Emit(ctx, event.Event{
		Type: "report.ready", OwnerID: "o1", Data: json.RawMessage(`{"report_id":"r-9"}`),
	})
	if err != nil || n != 1 {
		t.Fatalf("Emit = (%d, %v)", n, err)
	}

	select {
	case body := <-received:
		var env event.Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			t.Fatalf("receiver got non-envelope body: %v", err)
		}
		if env.Type != "report.ready" || env.OwnerID != "o1" {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the receiver")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		due, err := m.ListByEndpoint(ctx, "ep-1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) == 1 && due[0].Status == delivery.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery never reached success: %+v", due)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

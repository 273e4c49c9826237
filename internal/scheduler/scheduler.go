// Package scheduler decides when delivery attempts run. Correctness rests on
// the durable due-queue: every awaiting delivery has a next_attempt_at in the
// store, and a periodic sweep releases whatever is due. In-process channels,
// timers, and broker nudges only shave latency off that floor; losing all of
// them delays a delivery by at most one sweep interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/store"
)

// Processor runs one delivery attempt. Implemented by the worker.
type Processor interface {
	Process(ctx context.Context, deliveryID string) error
}

// Nudger pushes a delivery id to peer processes so one of them attempts it
// sooner than the next sweep. Best effort; failures are logged and ignored.
type Nudger interface {
	Nudge(ctx context.Context, deliveryID string) error
}

// Options tune a Scheduler. Zero values fall back to defaults.
type Options struct {
	PoolSize      int
	SweepInterval time.Duration
	SweepBatch    int

	// Lease is how far a claimed delivery's next_attempt_at is pushed while
	// a worker attempts it. It must exceed the longest attempt timeout; if
	// the process dies mid-attempt, the delivery becomes due again once the
	// lease expires and the sweep recovers it.
	Lease time.Duration
}

func (o *Options) fill() {
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
}

// Scheduler releases due deliveries to a bounded worker pool.
type Scheduler struct {
	store    store.DeliveryStore
	proc     Processor
	opts     Options
	log      *logging.Logger
	nudger   Nudger
	releases chan string
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	timers   map[string]*time.Timer
}

// New builds a Scheduler that hands due deliveries to proc.
func New(st store.DeliveryStore, proc Processor, opts Options, log *logging.Logger) *Scheduler {
	opts.fill()
	return &Scheduler{
		store:    st,
		proc:     proc,
		opts:     opts,
		log:      log,
		releases: make(chan string, 4*opts.SweepBatch),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// SetNudger enables cross-process release hints.
func (s *Scheduler) SetNudger(n Nudger) { s.nudger = n }

// ScheduleNow releases a freshly created delivery for immediate attempt and,
// when a nudger is wired, tells peers about it too.
func (s *Scheduler) ScheduleNow(deliveryID string) {
	s.Enqueue(deliveryID)
	if s.nudger != nil {
		if err := s.nudger.Nudge(context.Background(), deliveryID); err != nil {
			s.log.Plain().WithDelivery(deliveryID).WithError(err).Warn("nudge failed")
		}
	}
}

// ScheduleAt arms a local timer to release the delivery at when. The timer is
// a latency optimization: if the process dies first, the sweep picks the
// delivery up from the store.
func (s *Scheduler) ScheduleAt(deliveryID string, when time.Time) {
	delay := time.Until(when)
	if delay <= 0 {
		s.Enqueue(deliveryID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[deliveryID]; ok {
		t.Stop()
	}
	s.timers[deliveryID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, deliveryID)
		s.mu.Unlock()
		s.Enqueue(deliveryID)
	})
}

// Enqueue releases a delivery to the pool exactly once; ids already awaiting
// a worker are ignored. When the release buffer is full the id is dropped,
// which is safe because the sweep will find it still due.
func (s *Scheduler) Enqueue(deliveryID string) {
	s.mu.Lock()
	if _, dup := s.inflight[deliveryID]; dup {
		s.mu.Unlock()
		return
	}
	s.inflight[deliveryID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.releases <- deliveryID:
	default:
		s.mu.Lock()
		delete(s.inflight, deliveryID)
		s.mu.Unlock()
		s.log.Plain().WithDelivery(deliveryID).Warn("release buffer full, deferring to sweep")
	}
}

// Run drives the worker pool and the due-queue sweep until ctx is done. The
// first sweep runs immediately so deliveries left awaiting by a previous
// process (a crash, a deploy) are recovered on startup.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.opts.PoolSize; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-s.releases:
					s.process(ctx, id)
				}
			}
		})
	}

	g.Go(func() error {
		s.sweep(ctx)
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.stopTimers()
				return ctx.Err()
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	})

	return g.Wait()
}

// process claims the delivery in the store before attempting it. The claim
// is what makes the single-release guarantee hold across processes: every
// release path funnels through here, and concurrent claimers for one id see
// exactly one winner.
func (s *Scheduler) process(ctx context.Context, deliveryID string) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, deliveryID)
		s.mu.Unlock()
	}()
	now := s.now()
	claimed, err := s.store.ClaimDelivery(ctx, deliveryID, now, now.Add(s.opts.Lease))
	if err != nil {
		s.log.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("delivery claim failed")
		return
	}
	if !claimed {
		return
	}
	if err := s.proc.Process(ctx, deliveryID); err != nil {
		s.log.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("attempt processing failed")
	}
}

// sweep releases everything whose next attempt time has passed.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.FindDue(ctx, s.now(), s.opts.SweepBatch)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("due-queue sweep failed")
		return
	}
	metrics.DueBacklog.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}
	for _, id := range due {
		s.Enqueue(id)
	}
	s.log.WithContext(ctx).WithField("count", len(due)).Debug("sweep released due deliveries")
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Package retention prunes old terminal delivery records on a cron schedule.
// Awaiting deliveries are never touched, so retention can run while the
// delivery pool is busy without racing it.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/store"
)

// Sweeper deletes terminal deliveries older than MaxAge on Schedule.
type Sweeper struct {
	store    store.DeliveryStore
	maxAge   time.Duration
	schedule string
	log      *logging.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// New builds a Sweeper. schedule is a cron spec, "@every 1h" style included.
func New(st store.DeliveryStore, maxAge time.Duration, schedule string, log *logging.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		maxAge:   maxAge,
		schedule: schedule,
		log:      log,
		cron:     cron.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the job and starts the cron runner.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Plain().WithError(err).Error("retention sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep deletes terminal deliveries created before now minus MaxAge and
// returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RetentionDeletedTotal.Add(float64(n))
		s.log.Plain().WithFields(map[string]any{
			"deleted": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("retention sweep removed old deliveries")
	}
	return n, nil
}

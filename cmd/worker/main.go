// The worker process runs the delivery side of hookrelay: the due-queue
// scheduler, the HTTP delivery pool, the optional NSQ nudge consumer, and the
// retention sweep. Several workers can run against one database: every
// release is claimed through the store before the attempt, so concurrent
// sweeps over the same due deliveries produce exactly one attempt each.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlock/hookrelay/internal/config"
	"github.com/driftlock/hookrelay/internal/db"
	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/health"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/queue"
	"github.com/driftlock/hookrelay/internal/retention"
	"github.com/driftlock/hookrelay/internal/scheduler"
	"github.com/driftlock/hookrelay/internal/store"
	"github.com/driftlock/hookrelay/internal/tracing"
	"github.com/driftlock/hookrelay/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName + "-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.AppName+"-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	st := store.NewPostgres(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	w := worker.New(st, worker.Options{
		DefaultTimeout:    cfg.Delivery.DefaultTimeout,
		DefaultMaxRetries: cfg.Delivery.DefaultMaxRetries,
		Backoff: delivery.BackoffPolicy{
			Base:   cfg.Delivery.BackoffBase,
			Max:    cfg.Delivery.BackoffMax,
			Jitter: cfg.Delivery.BackoffJitter,
		},
	}, logger)

	sched := scheduler.New(st, w, scheduler.Options{
		PoolSize:      cfg.Delivery.PoolSize,
		SweepInterval: cfg.Delivery.SweepInterval,
		SweepBatch:    cfg.Delivery.SweepBatch,
		Lease:         cfg.Delivery.ClaimLease,
	}, logger)
	w.SetRescheduler(sched)

	if cfg.NSQ.Enabled {
		if cfg.NSQ.PublishDLQ {
			prod, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.NudgeTopic, cfg.NSQ.DLQTopic, logger)
			if err != nil {
				logger.Plain().WithError(err).Fatal("nsq producer creation failed")
			}
			defer prod.Stop()
			w.SetDeadLetterPublisher(prod)
		}

		cons, err := queue.NewConsumer(cfg.NSQ.NudgeTopic, cfg.NSQ.WorkerChannel, sched, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		if cfg.NSQ.LookupHTTPAddr != "" {
			err = cons.ConnectLookupd(cfg.NSQ.LookupHTTPAddr)
		} else {
			err = cons.ConnectNsqd(cfg.NSQ.NsqdTCPAddr)
		}
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq connect failed")
		}
		defer cons.Stop()
	}

	sweeper := retention.New(st, cfg.Retention.MaxAge, cfg.Retention.Schedule, logger)
	if err := sweeper.Start(); err != nil {
		logger.Plain().WithError(err).Fatal("retention schedule invalid")
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"pool_size":      cfg.Delivery.PoolSize,
		"sweep_interval": cfg.Delivery.SweepInterval.String(),
		"nsq_enabled":    cfg.NSQ.Enabled,
	}).Info("delivery worker starting")

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Plain().WithError(err).Error("scheduler stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("http shutdown failed")
	}
	logger.Plain().Info("delivery worker stopped")
}

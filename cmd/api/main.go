// The api process serves the emit and endpoint-management surface. It writes
// delivery records and, when NSQ is enabled, nudges worker processes so first
// attempts start without waiting for a sweep.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlock/hookrelay/internal/api"
	"github.com/driftlock/hookrelay/internal/config"
	"github.com/driftlock/hookrelay/internal/db"
	"github.com/driftlock/hookrelay/internal/dispatch"
	"github.com/driftlock/hookrelay/internal/event"
	"github.com/driftlock/hookrelay/internal/health"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/queue"
	"github.com/driftlock/hookrelay/internal/store"
	"github.com/driftlock/hookrelay/internal/tracing"
)

// nudgeOnly adapts the queue producer to the dispatcher's scheduler port:
// the api process has no local worker pool, so a fresh delivery is only
// announced to the broker and otherwise left to the workers' sweep.
type nudgeOnly struct {
	prod *queue.Producer
	log  *logging.Logger
}

func (n *nudgeOnly) ScheduleNow(deliveryID string) {
	if n.prod == nil {
		return
	}
	if err := n.prod.Nudge(context.Background(), deliveryID); err != nil {
		n.log.Plain().WithDelivery(deliveryID).WithError(err).Warn("nudge failed")
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName + "-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.AppName+"-api")
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

	sched := &nudgeOnly{log: logger}
	if cfg.NSQ.Enabled {
		prod, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.NudgeTopic, cfg.NSQ.DLQTopic, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		sched.prod = prod
	}

	types := event.NewRegistry(cfg.StrictEventTypes)
	dispatcher := dispatch.New(st, sched, types, logger)
	server := api.New(dispatcher, st, logger)

	mux := server.Routes()
	mux.HandleFunc("/healthz", health.Handler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("http shutdown failed")
	}
	logger.Plain().Info("api server stopped")
}

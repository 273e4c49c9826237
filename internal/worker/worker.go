// Package worker performs webhook delivery attempts and drives the delivery
// state machine: a pending or retrying delivery either succeeds, goes back
// to retrying with backoff, or fails once its retry budget is spent.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/metrics"
	"github.com/driftlock/hookrelay/internal/signing"
	"github.com/driftlock/hookrelay/internal/store"
	"github.com/driftlock/hookrelay/internal/tracing"
)

// Wire contract offered to receivers. The signature covers exactly the
// request body; the delivery header is the idempotency key receivers use to
// discard duplicate attempts.
const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	UserAgent       = "hookrelay/1.0 (+https://github.com/driftlock/hookrelay)"
)

// DeadLetterPublisher receives terminally failed deliveries. Optional.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Rescheduler lets the worker hint the scheduler about the next attempt
// time. Optional: the durable due-queue sweep releases the retry even when
// the hint is lost.
type Rescheduler interface {
	ScheduleAt(deliveryID string, when time.Time)
}

// Options tune a Worker. Zero values fall back to system defaults.
type Options struct {
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	Backoff           delivery.BackoffPolicy
}

func (o *Options) fill() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = delivery.DefaultBackoff
	}
}

// Worker executes delivery attempts released by the scheduler.
type Worker struct {
	store   store.Store
	client  *http.Client
	opts    Options
	log     *logging.Logger
	dlq     DeadLetterPublisher
	resched Rescheduler
	now     func() time.Time
}

// New builds a Worker over st. The shared HTTP client carries no global
// timeout; each attempt is bounded by its endpoint's own deadline.
func New(st store.Store, opts Options, log *logging.Logger) *Worker {
	opts.fill()
	return &Worker{
		store:  st,
		client: &http.Client{},
		opts:   opts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetDeadLetterPublisher enables dead-letter publication on terminal failure.
func (w *Worker) SetDeadLetterPublisher(p DeadLetterPublisher) { w.dlq = p }

// SetRescheduler enables next-attempt hints to the scheduler.
func (w *Worker) SetRescheduler(r Rescheduler) { w.resched = r }

// Process runs one delivery attempt for the given id. It is safe to call
// with ids that were already completed by another release: terminal records
// are skipped. Errors are returned only for store failures; attempt failures
// land in the delivery record, never on the caller.
func (w *Worker) Process(ctx context.Context, deliveryID string) error {
	d, err := w.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("process %s: %w", deliveryID, err)
	}
	if d.Status.Terminal() {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "worker.attempt",
		attribute.String("delivery_id", d.ID),
		attribute.String("endpoint_id", d.EndpointID),
		attribute.String("event_type", d.EventType),
		attribute.Int("attempt", d.AttemptCount+1),
	)
	defer span.End()

	// Always re-fetch the endpoint: it may have been deactivated or retuned
	// since this delivery was scheduled.
	ep, err := w.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		if err == store.ErrNotFound {
			return w.fail(ctx, d, 0, "endpoint deleted")
		}
		tracing.RecordError(ctx, err)
		return fmt.Errorf("process %s: endpoint fetch: %w", deliveryID, err)
	}
	if !ep.Active {
		tracing.AddEvent(ctx, "endpoint_deactivated")
		return w.fail(ctx, d, 0, "endpoint deactivated")
	}

	maxRetries := ep.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.opts.DefaultMaxRetries
	}
	if d.AttemptCount >= maxRetries {
		// retry budget already spent; nothing should have released this
		return w.fail(ctx, d, d.LastHTTPStatus, "retry budget exhausted")
	}

	status, attemptErr, latency := w.attempt(ctx, d, ep)
	attempt := d.AttemptCount + 1
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if status >= 200 && status < 300 {
		return w.succeed(ctx, d, ep, attempt, status, latency)
	}

	reason := classifyFailure(attemptErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordAttempt(reason, latency)

	errText := delivery.TruncateError(attemptErr)
	if attempt < maxRetries {
		return w.retry(ctx, d, attempt, status, errText, reason)
	}
	return w.failAttempted(ctx, d, status, errText)
}

// attempt signs and POSTs the canonical payload bytes. It returns the HTTP
// status (0 for transport errors), an error/body description for diagnostics,
// and the attempt latency.
func (w *Worker) attempt(ctx context.Context, d *delivery.Delivery, ep *delivery.Endpoint) (int, string, time.Duration) {
	timeout := w.opts.DefaultTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "build request: " + err.Error(), 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(DeliveryHeader, d.ID)
	req.Header.Set(SignatureHeader, signing.Sign(d.Payload, []byte(d.Secret)))

	tracing.AddEvent(ctx, "http.send_webhook")
	start := w.now()
	resp, err := w.client.Do(req)
	latency := w.now().Sub(start)
	if err != nil {
		return 0, err.Error(), latency
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, "", latency
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, delivery.MaxErrorLen))
	desc := fmt.Sprintf("http %d", resp.StatusCode)
	if len(body) > 0 {
		desc += ": " + string(body)
	}
	return resp.StatusCode, desc, latency
}

func (w *Worker) succeed(ctx context.Context, d *delivery.Delivery, ep *delivery.Endpoint, attempt, status int, latency time.Duration) error {
	now := w.now()
	st := delivery.StatusSuccess
	empty := ""
	patch := delivery.Patch{
		Status:         &st,
		AttemptCount:   &attempt,
		LastHTTPStatus: &status,
		LastError:      &empty,
		DeliveredAt:    &now,
	}
	if err := w.store.UpdateDelivery(ctx, d.ID, patch); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("record success for %s: %w", d.ID, err)
	}
	if err := w.store.RecordOutcome(ctx, ep.ID, true, now); err != nil {
		w.log.WithContext(ctx).WithEndpoint(ep.ID).WithError(err).Error("record endpoint outcome failed")
	}
	metrics.RecordAttempt("ok", latency)
	metrics.RecordTerminal(string(delivery.StatusSuccess))
	w.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(ep.ID).
		WithField("attempt", attempt).
		WithField("latency_ms", latency.Milliseconds()).
		Info("delivered")
	return nil
}

func (w *Worker) retry(ctx context.Context, d *delivery.Delivery, attempt, status int, errText, reason string) error {
	next := w.now().Add(w.opts.Backoff.Delay(attempt))
	st := delivery.StatusRetrying
	patch := delivery.Patch{
		Status:         &st,
		AttemptCount:   &attempt,
		LastHTTPStatus: &status,
		LastError:      &errText,
		NextAttemptAt:  &next,
	}
	if err := w.store.UpdateDelivery(ctx, d.ID, patch); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("record retry for %s: %w", d.ID, err)
	}
	metrics.RecordRetry(reason)
	if w.resched != nil {
		w.resched.ScheduleAt(d.ID, next)
	}
	w.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(d.EndpointID).
		WithFields(map[string]any{"attempt": attempt, "next_attempt_at": next.Format(time.RFC3339), "reason": reason}).
		Info("retry scheduled")
	return nil
}

// fail terminates a delivery without an HTTP attempt having been charged.
func (w *Worker) fail(ctx context.Context, d *delivery.Delivery, status int, reason string) error {
	return w.terminate(ctx, d, d.AttemptCount, status, reason)
}

// failAttempted terminates after a charged attempt.
func (w *Worker) failAttempted(ctx context.Context, d *delivery.Delivery, status int, errText string) error {
	return w.terminate(ctx, d, d.AttemptCount+1, status, errText)
}

func (w *Worker) terminate(ctx context.Context, d *delivery.Delivery, attempt, status int, errText string) error {
	now := w.now()
	st := delivery.StatusFailed
	patch := delivery.Patch{
		Status:         &st,
		AttemptCount:   &attempt,
		LastHTTPStatus: &status,
		LastError:      &errText,
	}
	if err := w.store.UpdateDelivery(ctx, d.ID, patch); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("record failure for %s: %w", d.ID, err)
	}
	if err := w.store.RecordOutcome(ctx, d.EndpointID, false, now); err != nil && err != store.ErrNotFound {
		w.log.WithContext(ctx).WithEndpoint(d.EndpointID).WithError(err).Error("record endpoint outcome failed")
	}
	metrics.RecordTerminal(string(delivery.StatusFailed))

	if w.dlq != nil {
		d.AttemptCount = attempt
		d.LastHTTPStatus = status
		d.LastError = errText
		if err := w.dlq.PublishDeadLetter(ctx, delivery.NewDeadLetter(d, errText)); err != nil {
			w.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("dead-letter publish failed")
		} else {
			metrics.DeadLettersTotal.Inc()
		}
	}

	w.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(d.EndpointID).
		WithFields(map[string]any{"attempt": attempt, "last_error": errText}).
		Warn("delivery failed permanently")
	return nil
}

// classifyFailure buckets an attempt failure for metrics and logs.
func classifyFailure(errText string, status int) string {
	if status == 0 {
		lower := strings.ToLower(errText)
		switch {
		case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
			return "timeout"
		case strings.Contains(lower, "connection refused"):
			return "connection_refused"
		case strings.Contains(lower, "no such host"):
			return "dns_error"
		default:
			return "network"
		}
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	default:
		return "http_other"
	}
}

// Package queue bridges the scheduler to NSQ. The broker carries two kinds
// of traffic: nudges, which tell peer workers a delivery id is ready so one
// of them attempts it before its next sweep, and dead letters, published for
// downstream tooling when a delivery fails permanently. Neither is load
// bearing for correctness; the durable due-queue in the store is.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/tracing"
)

// Nudge is the broker message asking a peer to attempt a delivery now.
type Nudge struct {
	DeliveryID   string            `json:"delivery_id"`
	PublishedAt  string            `json:"published_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Producer publishes nudges and dead letters to nsqd.
type Producer struct {
	prod     *nsq.Producer
	nudgeTop string
	dlqTop   string
	log      *logging.Logger
}

// NewProducer connects to nsqd at addr.
func NewProducer(addr, nudgeTopic, dlqTopic string, log *logging.Logger) (*Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &Producer{prod: prod, nudgeTop: nudgeTopic, dlqTop: dlqTopic, log: log}, nil
}

// Nudge publishes a release hint carrying the current trace context.
func (p *Producer) Nudge(ctx context.Context, deliveryID string) error {
	b, err := json.Marshal(Nudge{
		DeliveryID:   deliveryID,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		TraceHeaders: tracing.Carrier(ctx),
	})
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.nudgeTop, b); err != nil {
		return err
	}
	tracing.AddEvent(ctx, "nsq.published_nudge")
	return nil
}

// PublishDeadLetter publishes the dead-letter envelope for a terminally
// failed delivery.
func (p *Producer) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.dlqTop, b); err != nil {
		return err
	}
	tracing.AddEvent(ctx, "nsq.published_dead_letter")
	return nil
}

// Stop flushes and closes the producer.
func (p *Producer) Stop() { p.prod.Stop() }

// Enqueuer is the scheduler-side sink for consumed nudges.
type Enqueuer interface {
	Enqueue(deliveryID string)
}

// Consumer subscribes to the nudge topic and feeds delivery ids to the
// scheduler. Malformed messages are finished, not requeued: the sweep covers
// any delivery a lost nudge was about.
type Consumer struct {
	cons *nsq.Consumer
	log  *logging.Logger
}

// NewConsumer attaches a handler releasing nudged ids into sink.
func NewConsumer(topic, channel string, sink Enqueuer, log *logging.Logger) (*Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	cons, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, err
	}
	cons.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var n Nudge
		if err := json.Unmarshal(m.Body, &n); err != nil {
			log.Plain().WithError(err).Error("bad nudge payload, dropping")
			return nil
		}
		ctx := tracing.FromCarrier(context.Background(), n.TraceHeaders)
		tracing.AddEvent(ctx, "nsq.consumed_nudge")
		sink.Enqueue(n.DeliveryID)
		return nil
	}))
	return &Consumer{cons: cons, log: log}, nil
}

// ConnectNsqd connects the consumer directly to one nsqd.
func (c *Consumer) ConnectNsqd(addr string) error {
	return c.cons.ConnectToNSQD(addr)
}

// ConnectLookupd connects the consumer via nsqlookupd discovery.
func (c *Consumer) ConnectLookupd(addr string) error {
	return c.cons.ConnectToNSQLookupd(addr)
}

// Stop drains and closes the consumer, blocking until shutdown completes.
func (c *Consumer) Stop() {
	c.cons.Stop()
	<-c.cons.StopChan
	c.log.Plain().Info("nsq consumer stopped")
}

package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/next-trace/scg-pubsub/adapters/rabbitmq"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type declared struct {
	name, kind          string
	durable, autoDelete bool
}

type fakeChannel struct {
	exchanges  []declared
	queues     []declared
	published  []amqp.Publishing
	acks, nack []uint64
	requeued   []bool
	prefetch   int
	declareErr error
	bindErr    error
	publishErr error
	deleted    []string
	deleteArgs [2]bool
	deliveries chan amqp.Delivery
	confirms   chan amqp.Confirmation
	closes     chan *amqp.Error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, _ amqp.Table) error {
	f.exchanges = append(f.exchanges, declared{name, kind, durable, autoDelete})
	return f.declareErr
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.queues = append(f.queues, declared{name: name, durable: durable, autoDelete: autoDelete})
	if name == "" {
		name = "amq.gen-1"
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return f.bindErr }

func (f *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, _ bool) (int, error) {
	f.deleted = append(f.deleted, name)
	f.deleteArgs = [2]bool{ifUnused, ifEmpty}

	return 0, nil
}

func (f *fakeChannel) Qos(n, _ int, _ bool) error {
	f.prefetch = n
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return f.publishErr
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.nack = append(f.nack, tag)
	f.requeued = append(f.requeued, requeue)

	return nil
}

func (f *fakeChannel) Cancel(string, bool) error { return nil }

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeChannel) Close() error { return nil }

func TestChannel_DeclareMapsDurability(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	_ = ch.ExchangeDeclare("hospital", broker.Topic, true)
	_ = ch.ExchangeDeclare("audit", broker.Fanout, false)

	if got := fc.exchanges[0]; got.kind != "topic" || got.durable || !got.autoDelete {
		t.Fatalf("auto-delete exchange %+v", got)
	}

	if got := fc.exchanges[1]; got.kind != "fanout" || !got.durable || got.autoDelete {
		t.Fatalf("durable exchange %+v", got)
	}

	name, _ := ch.QueueDeclare("", true)
	if name != "amq.gen-1" || fc.queues[0].durable || !fc.queues[0].autoDelete {
		t.Fatalf("generated queue %q %+v", name, fc.queues[0])
	}

	_ = ch.Qos(1)
	if fc.prefetch != 1 {
		t.Fatalf("prefetch %d", fc.prefetch)
	}
}

func TestChannel_ErrorTranslation(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	fc.declareErr = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'"}
	if err := ch.ExchangeDeclare("info", broker.Topic, false); !errors.Is(err, berr.ErrConflict) {
		t.Fatalf("406: want ErrConflict, got %v", err)
	}

	fc.declareErr = amqp.ErrClosed
	if err := ch.ExchangeDeclare("info", broker.Topic, false); !errors.Is(err, berr.ErrTransport) || errors.Is(err, berr.ErrConflict) {
		t.Fatalf("closed: want ErrTransport, got %v", err)
	}

	fc.publishErr = context.DeadlineExceeded
	if err := ch.Publish(t.Context(), "info", "k", broker.Publishing{}); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrTransport) {
		t.Fatalf("context errors must pass through: %v", err)
	}

	fc.declareErr = &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - access to exchange 'info' refused"}
	if err := ch.ExchangeDeclare("info", broker.Topic, false); !errors.Is(err, berr.ErrRefused) || errors.Is(err, berr.ErrTransport) {
		t.Fatalf("403: want ErrRefused, got %v", err)
	}

	fc.bindErr = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'info'"}
	if err := ch.QueueBind("q", "k", "info"); !errors.Is(err, berr.ErrRefused) || errors.Is(err, berr.ErrTransport) {
		t.Fatalf("404: want ErrRefused, got %v", err)
	}

	fc.bindErr = &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"}
	if err := ch.QueueBind("q", "k", "info"); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("320: want ErrTransport, got %v", err)
	}

	fc.bindErr = errors.New("write tcp: broken pipe")
	if err := ch.QueueBind("q", "k", "info"); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("io error: want ErrTransport, got %v", err)
	}
}

func TestChannel_QueueDeleteOnlyUnusedAndEmpty(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	if err := ch.QueueDelete("q"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(fc.deleted) != 1 || fc.deleted[0] != "q" || fc.deleteArgs != [2]bool{true, true} {
		t.Fatalf("delete %v args %v", fc.deleted, fc.deleteArgs)
	}
}

func TestChannel_PublishingProperties(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	err := ch.Publish(t.Context(), "hospital", "er.admit", broker.Publishing{
		Body:        []byte("x"),
		Headers:     map[string]string{"traceparent": "00-1-2-01"},
		ContentType: "application/json",
		Persistent:  true,
		Expiration:  1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	p := fc.published[0]
	if p.DeliveryMode != amqp.Persistent || p.Expiration != "1500" || p.ContentType != "application/json" {
		t.Fatalf("publishing %+v", p)
	}

	if p.Headers["traceparent"] != "00-1-2-01" {
		t.Fatalf("headers %v", p.Headers)
	}

	_ = ch.Publish(t.Context(), "hospital", "er.admit", broker.Publishing{})
	if p := fc.published[1]; p.DeliveryMode != amqp.Transient || p.Expiration != "" || p.Headers != nil {
		t.Fatalf("transient publishing %+v", p)
	}
}

func TestChannel_ConsumeAckNack(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	dels, err := ch.Consume("q", "ctag")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	fc.deliveries <- amqp.Delivery{
		Exchange:    "hospital",
		RoutingKey:  "er.admit",
		DeliveryTag: 7,
		Redelivered: true,
		Headers:     amqp.Table{"source": "ward-3", "attempt": int32(2)},
		Body:        []byte("x"),
	}

	d := <-dels
	if d.DeliveryTag != 7 || !d.Redelivered || d.Headers["source"] != "ward-3" || d.Headers["attempt"] != "2" {
		t.Fatalf("delivery %+v", d)
	}

	_ = ch.Ack(7)
	_ = ch.Nack(8, false)

	if len(fc.acks) != 1 || fc.nack[0] != 8 || fc.requeued[0] {
		t.Fatalf("acks=%v nacks=%v requeue=%v", fc.acks, fc.nack, fc.requeued)
	}

	close(fc.deliveries)

	if _, ok := <-dels; ok {
		t.Fatalf("deliveries should close with the source")
	}
}

func TestChannel_ConfirmsAndClose(t *testing.T) {
	fc := newFakeChannel()
	ch := rabbitmq.NewChannel(fc)

	confs := ch.NotifyPublish(make(chan broker.Confirmation, 1))
	fc.confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: false}

	if c := <-confs; c.DeliveryTag != 3 || c.Ack {
		t.Fatalf("confirmation %+v", c)
	}

	lost := ch.NotifyClose(make(chan error, 1))
	fc.closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR"}

	if err := <-lost; !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("close reason: %v", err)
	}

	_ = ch.Close()

	if _, ok := <-confs; ok {
		t.Fatalf("confirm listener should close with the channel")
	}
}

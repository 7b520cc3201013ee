package pubsub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/pubsub"
)

func TestRelay_FanoutToTopic(t *testing.T) {
	_, conn, topo := setup(t)

	info := pubsub.ExchangeSpec{Name: "info", Kind: broker.Fanout, AutoDelete: true}

	out, _ := pubsub.NewPublisher(conn, topo, hospital)
	defer out.Close()

	sink, _ := pubsub.NewConsumer(conn, topo, hospital)
	defer sink.Close()

	got := make(chan pubsub.Message, 4)
	_, _ = sink.AddQueue("", "er.*", func(_ context.Context, m pubsub.Message) error {
		got <- m
		return nil
	})
	_ = sink.Start(t.Context())

	src, _ := pubsub.NewConsumer(conn, topo, info)
	defer src.Close()

	_, _ = src.AddQueue("", "", pubsub.Relay(out, pubsub.HeaderRoute("x-route", "er.admit"), pubsub.SendOptions{
		Headers: map[string]string{"relayed-by": "test"},
	}))
	_ = src.Start(t.Context())

	in, _ := pubsub.NewPublisher(conn, topo, info)
	defer in.Close()

	_ = in.Send(t.Context(), "", []byte("a"), pubsub.SendOptions{ContentType: "text/plain"})
	_ = in.Send(t.Context(), "", []byte("b"), pubsub.SendOptions{Headers: map[string]string{"x-route": "er.discharge"}})

	for _, want := range []struct{ key, body string }{{"er.admit", "a"}, {"er.discharge", "b"}} {
		select {
		case m := <-got:
			if m.RoutingKey != want.key || string(m.Body) != want.body {
				t.Fatalf("want %s/%s, got %s/%s", want.key, want.body, m.RoutingKey, m.Body)
			}

			if m.Exchange != "hospital" || m.Headers["relayed-by"] != "test" {
				t.Fatalf("relayed message %+v", m)
			}
		case <-time.After(time.Second):
			t.Fatalf("relay did not forward %s", want.body)
		}
	}
}

func TestRelay_PropagatesSendFailure(t *testing.T) {
	_, conn, topo := setup(t)

	out, _ := pubsub.NewPublisher(conn, topo, hospital)
	h := pubsub.Relay(out, pubsub.StaticRoute(""), pubsub.SendOptions{})

	err := h(t.Context(), pubsub.Message{Exchange: "info", Body: []byte("x")})
	if !errors.Is(err, berr.ErrInvalidRoutingKey) {
		t.Fatalf("want ErrInvalidRoutingKey, got %v", err)
	}

	_ = out.Close()

	err = pubsub.Relay(out, pubsub.StaticRoute("er.admit"), pubsub.SendOptions{})(t.Context(), pubsub.Message{})
	if !errors.Is(err, berr.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestRelay_PublisherLossStopsConsumer(t *testing.T) {
	b, conn, topo := setup(t)

	info := pubsub.ExchangeSpec{Name: "info", Kind: broker.Fanout, AutoDelete: true}

	outConn := b.Connect()
	out, _ := pubsub.NewPublisher(outConn, pubsub.NewTopology(), hospital)
	defer out.Close()

	src, _ := pubsub.NewConsumer(conn, topo, info)
	defer src.Close()

	_, _ = src.AddQueue("", "", pubsub.Relay(out, pubsub.StaticRoute("er.admit"), pubsub.SendOptions{}))
	_ = src.Start(t.Context())

	outConn.Fail(errors.New("connection reset"))

	in, _ := pubsub.NewPublisher(conn, topo, info)
	defer in.Close()

	for _, body := range []string{"a", "b", "c"} {
		_ = in.Send(t.Context(), "", []byte(body), pubsub.SendOptions{})
	}

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatalf("relay consumer kept running after its publisher was lost")
	}

	if err := src.Err(); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}

	if dropped := b.Dropped(); len(dropped) != 0 {
		t.Fatalf("%d messages dropped", len(dropped))
	}
}

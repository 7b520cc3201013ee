package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

const contentTypeJSON = "application/json"

// Sink accepts decoded rates. Hub implements it.
type Sink interface {
	Publish(ctx context.Context, r ratesrpc.Rate) error
}

var _ Sink = (*Hub)(nil)

// BrokerFeed returns a Handler that decodes rate messages and publishes them to sink.
// Messages that cannot be decoded are rejected; the routing key supplies the pair when
// the body omits it.
func BrokerFeed(sink Sink) pubsub.Handler {
	return func(ctx context.Context, m pubsub.Message) error {
		r, err := ratesrpc.UnmarshalRate(m.RoutingKey, m.Body)
		if err != nil {
			return err
		}

		return sink.Publish(ctx, r)
	}
}

// Announce publishes r on a topic exchange under its BASE.QUOTE routing key.
func Announce(ctx context.Context, p *pubsub.Publisher, r ratesrpc.Rate, opts pubsub.SendOptions) error {
	if err := r.Validate(); err != nil {
		return err
	}

	body, err := ratesrpc.MarshalRate(r)
	if err != nil {
		return err
	}

	if opts.ContentType == "" {
		opts.ContentType = contentTypeJSON
	}

	if err := p.Send(ctx, r.RoutingKey(), body, opts); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("announce rate %q: %w", r.Pair(), err)
	}

	return nil
}

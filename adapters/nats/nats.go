package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

// DefaultSubject is the subject prefix rates travel under; a rate for USD/EUR is sent on
// rates.USD.EUR and a feed subscribes to rates.>.
const DefaultSubject = "rates"

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe registers fn for every message on subject (wildcards allowed) and returns
	// a function that removes the subscription.
	Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error)
}

// Sink accepts decoded rates.
type Sink interface {
	Publish(ctx context.Context, r ratesrpc.Rate) error
}

// Adapter moves exchange rates over NATS using an injected Client.
type Adapter struct {
	Client Client
	Prefix string
	Logger *slog.Logger
}

// New creates a new NATS adapter with the default subject prefix.
func New(c Client) *Adapter { return &Adapter{Client: c, Prefix: DefaultSubject, Logger: slog.Default()} }

// PublishRate sends r on <prefix>.BASE.QUOTE.
func (a *Adapter) PublishRate(ctx context.Context, r ratesrpc.Rate) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	if err := r.Validate(); err != nil {
		return err
	}

	body, err := ratesrpc.MarshalRate(r)
	if err != nil {
		return fmt.Errorf("nats publish serialize: %w", err)
	}

	subject := a.prefix() + "." + r.RoutingKey()
	headers := map[string]string{"content-type": "application/json"}

	if err := a.Client.Publish(subject, body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", subject, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Feed subscribes to subject (default <prefix>.>) and hands every decodable rate to sink
// until ctx ends. Undecodable messages are logged and skipped. Feed returns ctx.Err().
func (a *Adapter) Feed(ctx context.Context, subject string, sink Sink) error {
	if err := a.ready(ctx, berr.ErrTransport, "feed"); err != nil {
		return err
	}

	if subject == "" {
		subject = a.prefix() + ".>"
	}

	unsubscribe, err := a.Client.Subscribe(subject, func(subj string, data []byte) {
		r, err := ratesrpc.UnmarshalRate(subj, data)
		if err != nil {
			a.logger().WarnContext(ctx, "nats feed: dropping undecodable rate", "subject", subj, "err", err)
			return
		}

		if err := sink.Publish(ctx, r); err != nil && ctx.Err() == nil {
			a.logger().ErrorContext(ctx, "nats feed: rate rejected", "subject", subj, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats feed subscribe %s: %w", subject, errors.Join(berr.ErrTransport, err))
	}

	<-ctx.Done()

	if err := unsubscribe(); err != nil {
		a.logger().WarnContext(ctx, "nats feed unsubscribe", "subject", subject, "err", err)
	}

	return ctx.Err()
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}

func (a *Adapter) prefix() string {
	if p := strings.TrimSuffix(a.Prefix, "."); p != "" {
		return p
	}

	return DefaultSubject
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}

	return slog.Default()
}

package pubsub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

const (
	// DefaultPrefetch is the consumer-side flow-control limit.
	DefaultPrefetch       = 1
	DefaultConfirmTimeout = 5 * time.Second
	contentTypeBinary     = "application/octet-stream"
)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the maximum number of unacknowledged deliveries per queue subscription.
// Zero means unlimited.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = n }
}

// WithRequeueOnError makes failed deliveries go back to the queue instead of being dropped.
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) { c.requeue = requeue }
}

// WithConsumerLogger sets the logger used for handler failures.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConsumerMetrics sets the metrics sink.
func WithConsumerMetrics(m Metrics) ConsumerOption {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfirms puts the publisher channel in confirm mode at construction.
// Without it, confirm mode is enabled by the first Send that asks for a confirm.
func WithConfirms() PublisherOption {
	return func(p *Publisher) { p.eagerConfirm = true }
}

// WithConfirmTimeout sets the default time Send waits for a broker confirm.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPropagator injects trace context into outgoing message headers.
func WithPropagator(hp broker.HeaderPropagator) PublisherOption {
	return func(p *Publisher) {
		if hp != nil {
			p.propagator = hp
		}
	}
}

// WithDefaults sets the SendOptions merged under every Send call.
func WithDefaults(o SendOptions) PublisherOption {
	return func(p *Publisher) { p.defaults = o }
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPublisherMetrics sets the metrics sink.
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// SendOptions are the recognized per-message publish options.
type SendOptions struct {
	Headers     map[string]string `opt:"headers"`
	ContentType string            `opt:"content_type"`
	Persistent  bool              `opt:"persistent"`
	// Expiration is the per-message TTL; zero means none.
	Expiration time.Duration `opt:"expiration"`
	// Confirm makes Send wait for the broker to confirm the message.
	Confirm bool `opt:"confirm"`
	// ConfirmTimeout overrides the publisher default when positive.
	ConfirmTimeout time.Duration `opt:"confirm_timeout"`
}

// merge returns o with zero fields taken from base. Headers are merged, o winning.
func (o SendOptions) merge(base SendOptions) SendOptions {
	out := o
	if out.ContentType == "" {
		out.ContentType = base.ContentType
	}

	out.Persistent = o.Persistent || base.Persistent
	out.Confirm = o.Confirm || base.Confirm

	if out.Expiration == 0 {
		out.Expiration = base.Expiration
	}

	if out.ConfirmTimeout == 0 {
		out.ConfirmTimeout = base.ConfirmTimeout
	}

	if len(base.Headers) > 0 || len(o.Headers) > 0 {
		h := make(map[string]string, len(base.Headers)+len(o.Headers))
		for k, v := range base.Headers {
			h[k] = v
		}

		for k, v := range o.Headers {
			h[k] = v
		}

		out.Headers = h
	}

	return out
}

// ParseSendOptions decodes loosely typed options (for example from a config file or a
// dynamic caller) into SendOptions. Unknown keys are rejected with ErrUnknownOption.
func ParseSendOptions(in map[string]any) (SendOptions, error) {
	var out SendOptions

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "opt",
		Result:           &out,
	})
	if err != nil {
		return SendOptions{}, err
	}

	if err := dec.Decode(in); err != nil {
		return SendOptions{}, fmt.Errorf("send options: %w: %w", berr.ErrUnknownOption, err)
	}

	return out, nil
}

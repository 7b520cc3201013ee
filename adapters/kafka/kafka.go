package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

// DefaultTopic carries rate records keyed by BASE.QUOTE.
const DefaultTopic = "rates"

// Writer is a minimal Kafka-like writer interface.
// Users can adapt any client to this; kgo_client.go binds franz-go.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader polls batches of records. Poll blocks until records arrive or ctx ends.
type Reader interface {
	Poll(ctx context.Context) ([]Record, error)
}

// Sink accepts decoded rates.
type Sink interface {
	Publish(ctx context.Context, r ratesrpc.Rate) error
}

// Adapter moves exchange rates over Kafka using an injected Writer and Reader.
type Adapter struct {
	Writer Writer
	Reader Reader
	Topic  string
	Logger *slog.Logger
}

// New creates a new Kafka adapter instance with the provided writer and reader. Either may
// be nil when only one direction is used.
func New(w Writer, r Reader) *Adapter {
	return &Adapter{Writer: w, Reader: r, Topic: DefaultTopic, Logger: slog.Default()}
}

// PublishRate writes r keyed by its BASE.QUOTE routing key, so one pair stays on one partition.
func (a *Adapter) PublishRate(ctx context.Context, r ratesrpc.Rate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	if err := r.Validate(); err != nil {
		return err
	}

	val, err := ratesrpc.MarshalRate(r)
	if err != nil {
		return fmt.Errorf("kafka publish serialize: %w", err)
	}

	headers := map[string]string{"content-type": "application/json"}

	if err = a.Writer.Write(ctx, a.topic(), []byte(r.RoutingKey()), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka publish write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Feed polls records and hands every decodable rate to sink until ctx ends or the reader
// fails. Undecodable records are logged and skipped.
func (a *Adapter) Feed(ctx context.Context, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Reader == nil {
		return fmt.Errorf("kafka feed: %w", berr.ErrTransport)
	}

	for {
		recs, err := a.Reader.Poll(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}

			return fmt.Errorf("kafka feed poll %s: %w", a.topic(), errors.Join(berr.ErrTransport, err))
		}

		for _, rec := range recs {
			r, err := ratesrpc.UnmarshalRate(string(rec.Key), rec.Value)
			if err != nil {
				a.logger().WarnContext(ctx, "kafka feed: dropping undecodable rate", "topic", rec.Topic, "key", string(rec.Key), "err", err)
				continue
			}

			if err := sink.Publish(ctx, r); err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}

				a.logger().ErrorContext(ctx, "kafka feed: rate rejected", "pair", r.Pair(), "err", err)
			}
		}
	}
}

func (a *Adapter) topic() string {
	if a.Topic != "" {
		return a.Topic
	}

	return DefaultTopic
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}

	return slog.Default()
}

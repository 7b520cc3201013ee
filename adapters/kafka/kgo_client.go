//go:build franz

package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-pubsub/contract/errors"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Concrete franz-go based constructor, writer and reader.

type Config struct {
	Brokers     []string
	Topic       string
	Group       string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionType
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoReader struct{ cl *kgo.Client }

func (r kgoReader) Poll(ctx context.Context) ([]Record, error) {
	fetches := r.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		joined := make([]error, 0, len(errs))
		for _, fe := range errs {
			joined = append(joined, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
		}

		return nil, errors.Join(joined...)
	}

	var out []Record

	fetches.EachRecord(func(rec *kgo.Record) {
		var h map[string]string
		if len(rec.Headers) > 0 {
			h = make(map[string]string, len(rec.Headers))
			for _, hd := range rec.Headers {
				h[hd.Key] = string(hd.Value)
			}
		}

		out = append(out, Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Headers: h})
	})

	return out, nil
}

// NewWithKgo builds a franz-go client based Adapter that produces to and consumes from
// cfg.Topic. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrInvalidArgument)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.Idempotent {
		if cfg.Compression != (kgo.CompressionType{}) {
			opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
		}
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransport, err)
	}

	ad := New(kgoWriter{cl: cl}, kgoReader{cl: cl})
	ad.Topic = topic
	cleanup := func() { cl.Close() }

	return ad, cleanup, nil
}

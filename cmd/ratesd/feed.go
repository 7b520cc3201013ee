package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/next-trace/scg-pubsub/adapters/nats"
	"github.com/next-trace/scg-pubsub/adapters/rabbitmq"
	"github.com/next-trace/scg-pubsub/config"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/metrics"
	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/next-trace/scg-pubsub/tracing"
)

func runFeed(ctx context.Context, cfg *config.Config, hub *rates.Hub, rec *metrics.Recorder, ready *atomic.Bool, logger *slog.Logger) error {
	log := logger.With("feed", cfg.Rates.Feed)

	switch cfg.Rates.Feed {
	case config.FeedBroker:
		return brokerFeed(ctx, cfg, hub, rec, ready, log)
	case config.FeedNATS:
		return natsFeed(ctx, cfg, hub, ready, log)
	case config.FeedKafka:
		return kafkaFeed(ctx, cfg, hub, ready, log)
	default:
		return fmt.Errorf("rates.feed %q: %w", cfg.Rates.Feed, berr.ErrUnknownOption)
	}
}

// brokerFeed binds an auto-delete queue to the rates exchange and keeps it consuming across
// connection losses.
func brokerFeed(ctx context.Context, cfg *config.Config, hub *rates.Hub, rec *metrics.Recorder, ready *atomic.Bool, logger *slog.Logger) error {
	dialer := rabbitmq.NewDialer(rabbitmq.Config{
		URL:            cfg.Broker.URL,
		Heartbeat:      cfg.Broker.Heartbeat,
		DialTimeout:    cfg.Broker.DialTimeout,
		ConnectionName: "ratesd",
	})

	handler := tracing.Handler(tracing.NewPropagator(), nil, rates.BrokerFeed(hub))

	return pubsub.NewSession(dialer, cfg.ReconnectPolicy(), logger).Run(ctx, func(ctx context.Context, conn broker.Connection) error {
		c, err := pubsub.NewConsumer(conn, pubsub.NewTopology(), cfg.ExchangeSpec(),
			pubsub.WithPrefetch(cfg.Consumer.Prefetch),
			pubsub.WithRequeueOnError(cfg.Consumer.RequeueOnError),
			pubsub.WithConsumerLogger(logger),
			pubsub.WithConsumerMetrics(rec),
		)
		if err != nil {
			return err
		}
		defer c.Close()

		queue, err := c.AddQueue("", cfg.Rates.Binding, handler)
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "consuming rates", "exchange", cfg.Exchange.Name, "queue", queue, "binding", cfg.Rates.Binding)

		ready.Store(true)
		defer ready.Store(false)

		return c.Run(ctx)
	})
}

func natsFeed(ctx context.Context, cfg *config.Config, hub *rates.Hub, ready *atomic.Bool, logger *slog.Logger) error {
	ad, cleanup, err := nats.NewWithNATS(nats.Config{URL: cfg.NATS.URL, Name: "ratesd", ConnTimeout: cfg.Broker.DialTimeout})
	if err != nil {
		return err
	}
	defer cleanup()

	ad.Logger = logger

	ready.Store(true)
	defer ready.Store(false)

	logger.InfoContext(ctx, "consuming rates", "subject", cfg.NATS.Subject)

	return ad.Feed(ctx, cfg.NATS.Subject, hub)
}

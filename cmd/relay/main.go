// Command relay consumes the fanout exchange named by relay.source and republishes every
// message on the topic exchange named by relay.target. The routing key comes from the
// relay.routing_header header when present, else relay.routing_key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/next-trace/scg-pubsub/adapters/rabbitmq"
	"github.com/next-trace/scg-pubsub/config"
	"github.com/next-trace/scg-pubsub/contract/broker"
	"github.com/next-trace/scg-pubsub/metrics"
	"github.com/next-trace/scg-pubsub/ops"
	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/tracing"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	path := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(2)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dialer := rabbitmq.NewDialer(rabbitmq.Config{
		URL:            cfg.Broker.URL,
		Heartbeat:      cfg.Broker.Heartbeat,
		DialTimeout:    cfg.Broker.DialTimeout,
		ConnectionName: "relay",
	})

	rec := metrics.NewRecorder()
	prop := tracing.NewPropagator()

	source := pubsub.ExchangeSpec{Name: cfg.Relay.Source, Kind: broker.Fanout, AutoDelete: cfg.Exchange.AutoDelete}
	target := pubsub.ExchangeSpec{Name: cfg.Relay.Target, Kind: broker.Topic, AutoDelete: cfg.Exchange.AutoDelete}

	var ready atomic.Bool

	httpSrv := opsServer(cfg.HTTP.Listen, rec, &ready)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("ops listening", "addr", cfg.HTTP.Listen)

		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		return pubsub.NewSession(dialer, cfg.ReconnectPolicy(), logger).Run(ctx, func(ctx context.Context, conn broker.Connection) error {
			defer ready.Store(false)

			return relay(ctx, conn, cfg, source, target, prop, rec, &ready, logger)
		})
	})

	g.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// opsServer exposes health, readiness and the relay's Prometheus metrics. Readiness
// follows ready, which is set while a relay is consuming.
func opsServer(addr string, rec *metrics.Recorder, ready *atomic.Bool) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: ops.Mount(ops.Options{
			Ready: func() error {
				if !ready.Load() {
					return errors.New("relay not consuming")
				}

				return nil
			},
			Metrics: rec.Handler(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func relay(
	ctx context.Context,
	conn broker.Connection,
	cfg *config.Config,
	source, target pubsub.ExchangeSpec,
	prop tracing.Propagator,
	rec *metrics.Recorder,
	ready *atomic.Bool,
	logger *slog.Logger,
) error {
	topo := pubsub.NewTopology()

	p, err := pubsub.NewPublisher(conn, topo, target,
		pubsub.WithDefaults(cfg.SendDefaults()),
		pubsub.WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
		pubsub.WithPropagator(prop),
		pubsub.WithPublisherLogger(logger),
		pubsub.WithPublisherMetrics(rec),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	c, err := pubsub.NewConsumer(conn, topo, source,
		pubsub.WithPrefetch(cfg.Consumer.Prefetch),
		pubsub.WithRequeueOnError(cfg.Consumer.RequeueOnError),
		pubsub.WithConsumerLogger(logger),
		pubsub.WithConsumerMetrics(rec),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	route := pubsub.HeaderRoute(cfg.Relay.RoutingHeader, cfg.Relay.RoutingKey)
	handler := tracing.Handler(prop, nil, pubsub.Relay(p, route, pubsub.SendOptions{}))

	if _, err := c.AddQueue("", "", handler); err != nil {
		return err
	}

	logger.InfoContext(ctx, "relaying", "source", source.Name, "target", target.Name)
	ready.Store(true)

	return c.Run(ctx)
}

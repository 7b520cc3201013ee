// Command ratesd streams exchange rates to gRPC subscribers. Rates arrive from the
// configured feed: a topic exchange on the broker, a NATS subject or a Kafka topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/next-trace/scg-pubsub/config"
	"github.com/next-trace/scg-pubsub/metrics"
	"github.com/next-trace/scg-pubsub/ops"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/next-trace/scg-pubsub/ratesrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	path := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ratesd:", err)
		os.Exit(2)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ratesd stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rec := metrics.NewRecorder()

	hub := rates.NewHub(append(cfg.HubOptions(), rates.WithHubMetrics(rec), rates.WithHubLogger(logger))...)

	lis, err := net.Listen("tcp", cfg.Rates.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Rates.Listen, err)
	}

	srv := grpc.NewServer()
	ratesrpc.RegisterExchangeRatesProviderServer(srv, rates.NewService(hub, logger, rec))

	var ready atomic.Bool

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: ops.Mount(ops.Options{
			Ready: func() error {
				if !ready.Load() {
					return fmt.Errorf("%s feed not connected", cfg.Rates.Feed)
				}

				return nil
			},
			Metrics: rec.Handler(),
			Rates:   hub,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("grpc listening", "addr", lis.Addr().String())

		return srv.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("ops listening", "addr", cfg.HTTP.Listen)

		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		err := runFeed(ctx, cfg, hub, rec, &ready, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// Closing the hub ends every open stream with Unavailable so GracefulStop can finish.
		hub.Close()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-sctx.Done():
			srv.Stop()
		}

		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// Command ratesctl talks to the rates service.
//
//	ratesctl watch [-addr host:port] [-filter BASE/QUOTE]
//	ratesctl announce [-config file] BASE/QUOTE VALUE
//
// watch prints the snapshot and then every update. announce publishes one rate on the
// configured topic exchange, where a broker-fed ratesd picks it up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/next-trace/scg-pubsub/adapters/rabbitmq"
	"github.com/next-trace/scg-pubsub/config"
	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/next-trace/scg-pubsub/ratesrpc"
	"github.com/next-trace/scg-pubsub/tracing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error

	switch os.Args[1] {
	case "watch":
		err = watch(ctx, os.Args[2:], os.Stdout)
	case "announce":
		err = announce(ctx, os.Args[2:])
	default:
		usage()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "ratesctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ratesctl watch [-addr host:port] [-filter BASE/QUOTE]")
	fmt.Fprintln(os.Stderr, "       ratesctl announce [-config file] BASE/QUOTE VALUE")
	os.Exit(2)
}

func watch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50051", "rates service address")
	filter := fs.String("filter", "*/*", "BASE/QUOTE filter, either side may be *")
	_ = fs.Parse(args)

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer cc.Close()

	stream, err := ratesrpc.NewExchangeRatesProviderClient(cc).Subscribe(ctx, &ratesrpc.Subscription{Filter: *filter})
	if err != nil {
		return err
	}

	for {
		u, err := stream.Recv()
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return ctx.Err()
			}

			return err
		}

		for _, r := range u.Rates {
			tag := ""
			if u.Snapshot {
				tag = " (snapshot)"
			}

			fmt.Fprintf(out, "%s %s %g%s\n", r.Time.Format(time.RFC3339), r.Pair(), r.Value, tag)
		}
	}
}

func announce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	path := fs.String("config", "", "path to a YAML config file")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		usage()
	}

	f, err := rates.ParseFilter(fs.Arg(0))
	if err != nil {
		return err
	}

	value, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("value %q: %w", fs.Arg(1), err)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}

	conn, err := rabbitmq.Dial(ctx, rabbitmq.Config{
		URL:            cfg.Broker.URL,
		Heartbeat:      cfg.Broker.Heartbeat,
		DialTimeout:    cfg.Broker.DialTimeout,
		ConnectionName: "ratesctl",
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	p, err := pubsub.NewPublisher(conn, pubsub.NewTopology(), cfg.ExchangeSpec(),
		pubsub.WithDefaults(cfg.SendDefaults()),
		pubsub.WithPropagator(tracing.NewPropagator()),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	r := ratesrpc.Rate{Base: f.Base, Quote: f.Quote, Value: value, Time: time.Now().UTC()}

	return rates.Announce(ctx, p, r, pubsub.SendOptions{Confirm: true})
}

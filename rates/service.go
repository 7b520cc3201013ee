package rates

import (
	"context"
	"errors"
	"log/slog"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/ratesrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service implements the ExchangeRatesProvider subscribe stream on top of a Hub.
type Service struct {
	ratesrpc.UnimplementedExchangeRatesProviderServer

	hub     *Hub
	logger  *slog.Logger
	metrics Metrics
}

var _ ratesrpc.ExchangeRatesProviderServer = (*Service)(nil)

// NewService creates a Service. A nil logger uses slog.Default(); nil metrics are discarded.
func NewService(h *Hub, logger *slog.Logger, m Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if m == nil {
		m = NopMetrics{}
	}

	return &Service{hub: h, logger: logger, metrics: m}
}

// Subscribe validates the filter, sends the snapshot and then forwards matching updates
// until the client goes away. Client cancellation ends the call with a nil error.
func (s *Service) Subscribe(req *ratesrpc.Subscription, stream ratesrpc.SubscribeStream) error {
	ctx := stream.Context()

	f, err := ParseFilter(req.GetFilter())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub, snap, err := s.hub.Subscribe(f)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	s.logger.DebugContext(ctx, "rates stream opened", "filter", f.String(), "snapshot", len(snap))

	if err := stream.Send(&ratesrpc.RatesUpdate{Snapshot: true, Rates: snap}); err != nil {
		return s.sendFailed(ctx, f, err)
	}

	for {
		r, err := sub.Next(ctx)
		if err != nil {
			return s.nextFailed(ctx, f, err)
		}

		if err := stream.Send(&ratesrpc.RatesUpdate{Rates: []ratesrpc.Rate{r}}); err != nil {
			return s.sendFailed(ctx, f, err)
		}
	}
}

func (s *Service) nextFailed(ctx context.Context, f Filter, err error) error {
	if ctx.Err() != nil {
		s.logger.DebugContext(ctx, "rates stream canceled by client", "filter", f.String())
		return nil
	}

	if errors.Is(err, berr.ErrClosed) {
		return status.Error(codes.Unavailable, "rates feed shutting down")
	}

	s.logger.ErrorContext(ctx, "rates stream failed", "filter", f.String(), "err", err)

	return status.Errorf(codes.Internal, "rates stream %s: %v", f, err)
}

func (s *Service) sendFailed(ctx context.Context, f Filter, err error) error {
	if ctx.Err() != nil {
		return nil
	}

	s.logger.WarnContext(ctx, "rates stream send failed", "filter", f.String(), "err", err)

	return err
}

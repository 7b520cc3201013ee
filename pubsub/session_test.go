package pubsub_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/next-trace/scg-pubsub/adapters/inmemory"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/pubsub"
)

var fastRetry = pubsub.ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func TestSession_RedialsAfterTransportLoss(t *testing.T) {
	b := inmemory.New()
	b.FailDials(2, errors.New("connection refused"))

	s := pubsub.NewSession(b, fastRetry, nil)

	calls := 0
	err := s.Run(t.Context(), func(ctx context.Context, conn broker.Connection) error {
		calls++

		topo := pubsub.NewTopology()

		c, err := pubsub.NewConsumer(conn, topo, hospital)
		if err != nil {
			return err
		}
		defer c.Close()

		if calls == 1 {
			_ = c.Start(ctx)
			b.Sever(errors.New("broker restarted"))
			<-c.Done()

			return c.Err()
		}

		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
}

func TestSession_ReturnsNonTransportErrors(t *testing.T) {
	s := pubsub.NewSession(inmemory.New(), fastRetry, nil)
	boom := errors.New("handler setup failed")

	calls := 0
	err := s.Run(t.Context(), func(context.Context, broker.Connection) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSession_GivesUpAfterMaxRetries(t *testing.T) {
	b := inmemory.New()
	b.FailDials(10, errors.New("refused"))

	policy := fastRetry
	policy.MaxRetries = 2

	err := pubsub.NewSession(b, policy, nil).Run(t.Context(), func(context.Context, broker.Connection) error {
		t.Errorf("run func must not be called")
		return nil
	})
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestSession_StopsOnContextCancel(t *testing.T) {
	b := inmemory.New()
	b.FailDials(1<<30, errors.New("refused"))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	err := pubsub.NewSession(b, fastRetry, nil).Run(ctx, func(context.Context, broker.Connection) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestSession_NonTransportDialErrorIsPermanent(t *testing.T) {
	attempts := 0
	d := broker.DialFunc(func(context.Context) (broker.Connection, error) {
		attempts++
		return nil, fmt.Errorf("bad credentials: %w", berr.ErrInvalidArgument)
	})

	err := pubsub.NewSession(d, fastRetry, nil).Run(t.Context(), func(context.Context, broker.Connection) error { return nil })
	if !errors.Is(err, berr.ErrInvalidArgument) || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
}

func transportLost(context.Context, broker.Connection) error {
	return fmt.Errorf("consumer: %w", berr.ErrTransport)
}

func TestSession_RunFailuresSpendRetryBudget(t *testing.T) {
	policy := pubsub.ReconnectPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxRetries:      2,
		StableAfter:     time.Minute,
	}

	calls := 0
	err := pubsub.NewSession(inmemory.New(), policy, nil).Run(t.Context(), func(ctx context.Context, conn broker.Connection) error {
		calls++
		return transportLost(ctx, conn)
	})

	if !errors.Is(err, berr.ErrTransport) || calls != 3 {
		t.Fatalf("err=%v calls=%d, want ErrTransport after 3 calls", err, calls)
	}
}

func TestSession_BacksOffBetweenRunFailures(t *testing.T) {
	policy := pubsub.ReconnectPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		StableAfter:     time.Minute,
	}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	err := pubsub.NewSession(inmemory.New(), policy, nil).Run(ctx, func(ctx context.Context, conn broker.Connection) error {
		calls++
		return transportLost(ctx, conn)
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	// 100ms at no less than 10ms per wait
	if calls < 2 || calls > 11 {
		t.Fatalf("calls=%d in 100ms", calls)
	}
}

func TestSession_StableRunRestoresRetryBudget(t *testing.T) {
	policy := pubsub.ReconnectPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      1,
		StableAfter:     10 * time.Millisecond,
	}

	calls := 0
	err := pubsub.NewSession(inmemory.New(), policy, nil).Run(t.Context(), func(ctx context.Context, conn broker.Connection) error {
		calls++
		if calls <= 3 {
			time.Sleep(15 * time.Millisecond)
		}

		return transportLost(ctx, conn)
	})

	// each stable run resets the budget, so only the fourth call spends the last retry
	if !errors.Is(err, berr.ErrTransport) || calls != 4 {
		t.Fatalf("err=%v calls=%d, want ErrTransport after 4 calls", err, calls)
	}
}

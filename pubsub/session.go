package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// RunFunc uses a live connection until it is done or the connection fails.
// Returning an ErrTransport error asks the Session to redial.
type RunFunc func(ctx context.Context, conn broker.Connection) error

// ReconnectPolicy bounds redial attempts. Zero fields take defaults; MaxRetries zero
// means retry until the context ends.
//
// Every transport failure, whether dialing or inside the RunFunc, spends one retry and
// waits the next backoff interval. A RunFunc that kept the connection for at least
// StableAfter restores the full budget and the initial interval.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint
	StableAfter     time.Duration
}

// Session owns a broker connection and its reconnection policy. Consumers and publishers
// surface connection loss as ErrTransport; the Session is where that turns into a redial.
type Session struct {
	dialer broker.Dialer
	policy ReconnectPolicy
	logger *slog.Logger
}

// NewSession creates a Session. A nil logger uses slog.Default().
func NewSession(d broker.Dialer, policy ReconnectPolicy, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}

	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 30 * time.Second
	}

	if policy.StableAfter <= 0 {
		policy.StableAfter = policy.MaxInterval
	}

	return &Session{dialer: d, policy: policy, logger: logger}
}

// Run dials, calls fn with the connection and closes it afterwards. When dialing or fn
// fails with ErrTransport the Session waits out the backoff and tries again, until
// MaxRetries consecutive failures or ctx ends. Any other result is returned as is.
func (s *Session) Run(ctx context.Context, fn RunFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialInterval
	b.MaxInterval = s.policy.MaxInterval

	var failures uint

	for {
		stable, err := s.attempt(ctx, fn)
		if err == nil || !errors.Is(err, berr.ErrTransport) {
			return err
		}

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if stable {
			failures = 0
			b.Reset()
		}

		failures++
		if s.policy.MaxRetries > 0 && failures > s.policy.MaxRetries {
			return fmt.Errorf("session: giving up after %d retries: %w", s.policy.MaxRetries, err)
		}

		next := b.NextBackOff()
		s.logger.WarnContext(ctx, "broker connection failed; redialing",
			"err", err,
			"attempt", failures,
			"retry_in", next,
		)

		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// attempt dials once and runs fn. stable reports that fn held the connection for at
// least StableAfter.
func (s *Session) attempt(ctx context.Context, fn RunFunc) (stable bool, err error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}

		return false, fmt.Errorf("session dial: %w", err)
	}

	start := time.Now()
	err = fn(ctx, conn)
	_ = conn.Close()

	return time.Since(start) >= s.policy.StableAfter, err
}

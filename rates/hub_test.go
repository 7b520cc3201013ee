package rates_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func rate(base, quote string, v float64) ratesrpc.Rate {
	return ratesrpc.Rate{Base: base, Quote: quote, Value: v, Time: t0}
}

func mustFilter(t *testing.T, s string) rates.Filter {
	t.Helper()

	f, err := rates.ParseFilter(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}

	return f
}

func TestParseFilter(t *testing.T) {
	for _, ok := range []string{"USD/EUR", "*/EUR", "USD/*", "*/*"} {
		if _, err := rates.ParseFilter(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}

	for _, bad := range []string{"", "USD", "USD/", "usd/eur", "USD/EURO", "USD.EUR", "#/EUR", "USD/EUR/GBP"} {
		if _, err := rates.ParseFilter(bad); !errors.Is(err, berr.ErrInvalidArgument) {
			t.Fatalf("%q: want ErrInvalidArgument, got %v", bad, err)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	cases := []struct {
		filter string
		r      ratesrpc.Rate
		want   bool
	}{
		{"USD/EUR", rate("USD", "EUR", 1), true},
		{"USD/EUR", rate("EUR", "USD", 1), false},
		{"USD/*", rate("USD", "JPY", 1), true},
		{"*/JPY", rate("GBP", "JPY", 1), true},
		{"*/JPY", rate("GBP", "USD", 1), false},
		{"*/*", rate("CHF", "SEK", 1), true},
	}

	for _, c := range cases {
		if got := mustFilter(t, c.filter).Matches(c.r); got != c.want {
			t.Fatalf("%s matches %s = %v, want %v", c.filter, c.r.Pair(), got, c.want)
		}
	}
}

func TestParseOverflow(t *testing.T) {
	if o, err := rates.ParseOverflow(""); err != nil || o != rates.DropOldest {
		t.Fatalf("default: %v %v", o, err)
	}

	if o, err := rates.ParseOverflow("BLOCK"); err != nil || o != rates.Block {
		t.Fatalf("block: %v %v", o, err)
	}

	if _, err := rates.ParseOverflow("spill"); !errors.Is(err, berr.ErrUnknownOption) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestHub_SnapshotThenUpdates(t *testing.T) {
	h := rates.NewHub()
	ctx := t.Context()

	_ = h.Publish(ctx, rate("USD", "EUR", 0.9))
	_ = h.Publish(ctx, rate("USD", "JPY", 150))
	_ = h.Publish(ctx, rate("USD", "EUR", 0.91))

	s, snap, err := h.Subscribe(mustFilter(t, "USD/*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	want := []ratesrpc.Rate{rate("USD", "EUR", 0.91), rate("USD", "JPY", 150)}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}

	_ = h.Publish(ctx, rate("GBP", "USD", 1.3))
	_ = h.Publish(ctx, rate("USD", "CHF", 0.8))

	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if got.Pair() != "USD/CHF" {
		t.Fatalf("got %s, want USD/CHF", got.Pair())
	}
}

func TestHub_RejectsInvalidRates(t *testing.T) {
	h := rates.NewHub()

	for _, r := range []ratesrpc.Rate{
		rate("usd", "EUR", 1),
		rate("USD", "EUR", 0),
		rate("USD", "EUR", math.NaN()),
		rate("USD", "EUR", math.Inf(1)),
		rate("USD", "EUR", math.Inf(-1)),
	} {
		if err := h.Publish(t.Context(), r); !errors.Is(err, berr.ErrInvalidArgument) {
			t.Fatalf("%s=%v: want ErrInvalidArgument, got %v", r.Pair(), r.Value, err)
		}
	}

	if snap := h.Snapshot(mustFilter(t, "*/*")); len(snap) != 0 {
		t.Fatalf("invalid rate stored: %v", snap)
	}
}

func TestHub_DropOldest(t *testing.T) {
	h := rates.NewHub(rates.WithBuffer(2))

	s, _, _ := h.Subscribe(mustFilter(t, "*/*"))
	defer s.Close()

	for i := 1; i <= 4; i++ {
		if err := h.Publish(t.Context(), rate("USD", "EUR", float64(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if s.Dropped() != 2 {
		t.Fatalf("dropped=%d, want 2", s.Dropped())
	}

	for _, want := range []float64{3, 4} {
		r, _ := s.Next(t.Context())
		if r.Value != want {
			t.Fatalf("value %v, want %v", r.Value, want)
		}
	}
}

func TestHub_BlockWaitsForConsumer(t *testing.T) {
	h := rates.NewHub(rates.WithBuffer(1), rates.WithOverflow(rates.Block))

	s, _, _ := h.Subscribe(mustFilter(t, "*/*"))
	defer s.Close()

	_ = h.Publish(t.Context(), rate("USD", "EUR", 1))

	published := make(chan error, 1)
	go func() { published <- h.Publish(context.Background(), rate("USD", "EUR", 2)) }()

	select {
	case err := <-published:
		t.Fatalf("publish should block on a full stream, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if r, _ := s.Next(t.Context()); r.Value != 1 {
		t.Fatalf("first value %v", r.Value)
	}

	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish still blocked after drain")
	}

	if r, _ := s.Next(t.Context()); r.Value != 2 {
		t.Fatalf("second value %v", r.Value)
	}
}

func TestHub_BlockReleasedByStreamClose(t *testing.T) {
	h := rates.NewHub(rates.WithBuffer(1), rates.WithOverflow(rates.Block))

	s, _, _ := h.Subscribe(mustFilter(t, "*/*"))
	_ = h.Publish(t.Context(), rate("USD", "EUR", 1))

	published := make(chan error, 1)
	go func() { published <- h.Publish(context.Background(), rate("USD", "EUR", 2)) }()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("closing the stream did not release the publisher")
	}

	if h.Streams() != 0 {
		t.Fatalf("streams=%d after close", h.Streams())
	}
}

func TestHub_BlockHonorsContext(t *testing.T) {
	h := rates.NewHub(rates.WithBuffer(1), rates.WithOverflow(rates.Block))

	s, _, _ := h.Subscribe(mustFilter(t, "*/*"))
	defer s.Close()

	_ = h.Publish(t.Context(), rate("USD", "EUR", 1))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if err := h.Publish(ctx, rate("USD", "EUR", 2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestHub_CloseEndsStreams(t *testing.T) {
	h := rates.NewHub()

	s, _, _ := h.Subscribe(mustFilter(t, "*/*"))

	h.Close()

	if _, err := s.Next(t.Context()); !errors.Is(err, berr.ErrClosed) {
		t.Fatalf("next after hub close: %v", err)
	}

	if err := h.Publish(t.Context(), rate("USD", "EUR", 1)); !errors.Is(err, berr.ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}

	if _, _, err := h.Subscribe(mustFilter(t, "*/*")); !errors.Is(err, berr.ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}

	s.Close()
}

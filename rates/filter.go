package rates

import (
	"fmt"
	"strings"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/ratesrpc"
	"github.com/next-trace/scg-pubsub/routing"
)

const wildcard = "*"

// Filter selects currency pairs. Either side may be the wildcard "*".
type Filter struct {
	Base  string
	Quote string
}

// ParseFilter parses BASE/QUOTE. Each side must be a three-letter upper-case code or "*".
func ParseFilter(s string) (Filter, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: want BASE/QUOTE: %w", s, berr.ErrInvalidArgument)
	}

	for _, side := range []string{base, quote} {
		if side != wildcard && !ratesrpc.IsCurrency(side) {
			return Filter{}, fmt.Errorf("filter %q: %q is neither a currency code nor %q: %w", s, side, wildcard, berr.ErrInvalidArgument)
		}
	}

	return Filter{Base: base, Quote: quote}, nil
}

func (f Filter) String() string { return f.Base + "/" + f.Quote }

// Pattern returns the topic binding pattern selecting the same pairs as f.
func (f Filter) Pattern() string { return f.Base + "." + f.Quote }

// Matches reports whether r belongs to f.
func (f Filter) Matches(r ratesrpc.Rate) bool {
	return routing.Match(f.Pattern(), r.RoutingKey())
}

package pubsub

import (
	"context"
	"errors"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// classified lists the outcomes adapters already tag. Anything else coming back from a
// channel is treated as transport loss.
var classified = []error{
	berr.ErrTransport,
	berr.ErrRefused,
	berr.ErrConflict,
	context.Canceled,
	context.DeadlineExceeded,
}

// asTransport tags err with ErrTransport unless the adapter already classified it.
func asTransport(err error) error {
	for _, known := range classified {
		if errors.Is(err, known) {
			return err
		}
	}

	return errors.Join(berr.ErrTransport, err)
}

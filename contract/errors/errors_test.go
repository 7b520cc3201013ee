package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishTimeout)
	if e.Error() != berr.ErrCodePublishTimeout {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrConflict, berr.ErrCodeConflict},
		{berr.ErrAlreadyStarted, berr.ErrCodeAlreadyStarted},
		{berr.ErrClosed, berr.ErrCodeClosed},
		{berr.ErrNoHandler, berr.ErrCodeNoHandler},
		{berr.ErrInvalidRoutingKey, berr.ErrCodeInvalidRoutingKey},
		{berr.ErrPublishTimeout, berr.ErrCodePublishTimeout},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrTransport, berr.ErrCodeTransport},
		{berr.ErrRefused, berr.ErrCodeRefused},
		{berr.ErrUnknownOption, berr.ErrCodeUnknownOption},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrInvalidArgument, berr.ErrCodeInvalidArgument},
		{berr.ErrInternal, berr.ErrCodeInternal},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestWrappedJoinStillMatches(t *testing.T) {
	err := fmt.Errorf("rabbitmq declare: %w", errors.Join(berr.ErrConflict, errors.New("406")))
	if !errors.Is(err, berr.ErrConflict) {
		t.Fatalf("want ErrConflict in chain, got %v", err)
	}

	if errors.Is(err, berr.ErrTransport) {
		t.Fatalf("unexpected ErrTransport match")
	}
}

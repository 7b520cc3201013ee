package errors

// Error codes for the pub-sub contracts. Keep stable; used across adapters, the façade and the rates service.
const (
	ErrCodeConflict            = "pubsub.conflict"
	ErrCodeAlreadyStarted      = "pubsub.already_started"
	ErrCodeClosed              = "pubsub.closed"
	ErrCodeNoHandler           = "pubsub.no_handler"
	ErrCodeInvalidRoutingKey   = "pubsub.invalid_routing_key"
	ErrCodePublishTimeout      = "pubsub.publish_timeout"
	ErrCodePublishFailed       = "pubsub.publish_failed"
	ErrCodeTransport           = "pubsub.transport"
	ErrCodeRefused             = "pubsub.refused"
	ErrCodeUnknownOption       = "pubsub.unknown_option"
	ErrCodeSerializationFailed = "pubsub.serialization_failed"
	ErrCodeInvalidArgument     = "pubsub.invalid_argument"
	ErrCodeInternal            = "pubsub.internal"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	// ErrConflict: an exchange was redeclared with a different kind.
	ErrConflict = Code(ErrCodeConflict)
	// ErrAlreadyStarted: a consumer was started twice without an intervening Close,
	// or reconfigured while consuming.
	ErrAlreadyStarted = Code(ErrCodeAlreadyStarted)
	ErrClosed         = Code(ErrCodeClosed)
	ErrNoHandler      = Code(ErrCodeNoHandler)
	// ErrInvalidRoutingKey: an empty routing key was sent to a topic or direct exchange.
	ErrInvalidRoutingKey = Code(ErrCodeInvalidRoutingKey)
	// ErrPublishTimeout: the broker did not confirm a publish within the confirm timeout.
	ErrPublishTimeout = Code(ErrCodePublishTimeout)
	ErrPublishFailed  = Code(ErrCodePublishFailed)
	// ErrTransport: the connection or channel was lost. Not recoverable by the component
	// that observed it; the owner of the connection decides whether to redial.
	ErrTransport = Code(ErrCodeTransport)
	// ErrRefused: the broker rejected an operation on a live channel (access refused, not
	// found, resource locked). Redialing does not help.
	ErrRefused = Code(ErrCodeRefused)

	ErrUnknownOption       = Code(ErrCodeUnknownOption)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrInvalidArgument     = Code(ErrCodeInvalidArgument)
	ErrInternal            = Code(ErrCodeInternal)
)

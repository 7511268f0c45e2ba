package wire

import (
	"errors"
	"fmt"
)

// Kind is a tagged union of the error categories Pathfinder can surface,
// in place of an exception hierarchy. Each has a stable wire Code used both
// for the client-facing error frame and as a logrus field value.
type Kind int

const (
	BadRequest Kind = iota
	UnknownEndpoint
	Unauthorized
	AuthTimeout
	AuthRejected
	AuthTransport
	UpstreamTimeout
	BrokerConnectionLost
	BrokerPublishTimeout
	BrokerChannelClosed
	SessionClosed
	ServerShutdown
	InternalError
)

func (k Kind) Code() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case UnknownEndpoint:
		return "unknown_endpoint"
	case Unauthorized:
		return "unauthorized"
	case AuthTimeout:
		return "auth_timeout"
	case AuthRejected:
		return "auth_rejected"
	case AuthTransport:
		return "auth_transport"
	case UpstreamTimeout:
		return "upstream_timeout"
	case BrokerConnectionLost:
		return "broker_connection_lost"
	case BrokerPublishTimeout:
		return "broker_publish_timeout"
	case BrokerChannelClosed:
		return "broker_channel_closed"
	case SessionClosed:
		return "session_closed"
	case ServerShutdown:
		return "server_shutdown"
	default:
		return "internal_error"
	}
}

func (k Kind) String() string { return k.Code() }

// Error is a Kind wrapped with a cause and an optional human message. It
// satisfies the standard error interface and unwraps to the cause, so
// errors.Is/errors.As see through it to whatever produced it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
	}
	return e.Kind.Code()
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind carried by err, defaulting to InternalError when
// err does not wrap a *Error.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return InternalError
}

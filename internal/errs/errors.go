// Package errs defines the structured error taxonomy shared by every
// component of the bridge. Tools map these kinds onto MCP error objects
// without leaking internal Go types to callers.
package errs

import "fmt"

// Kind classifies an error without tying callers to a concrete Go type.
type Kind int

const (
	// Unknown is the zero value; it should never be constructed deliberately.
	Unknown Kind = iota

	// TransientBus means the broker is unreachable or disconnected. The Bus
	// reconnect loop will recover; publishes in this window fail with this
	// kind.
	TransientBus

	// TransientStore means the embedded database was busy or locked for the
	// duration of the internal retry budget.
	TransientStore

	// InvalidPayload means a message's JSON failed to decode or did not
	// match the expected shape for its topic.
	InvalidPayload

	// NotFound means a requested device or sensor is absent from the
	// registry or store.
	NotFound

	// PreconditionFailed means the operation's precondition did not hold:
	// device offline, unknown actuator, unsupported action.
	PreconditionFailed

	// DeadlineExceeded means a tool call exceeded its configured deadline.
	DeadlineExceeded

	// FatalConfig means required configuration was missing or invalid at
	// startup.
	FatalConfig

	// FatalStore means the database file could not be opened or created.
	FatalStore
)

func (k Kind) String() string {
	switch k {
	case TransientBus:
		return "transient-bus"
	case TransientStore:
		return "transient-store"
	case InvalidPayload:
		return "invalid-payload"
	case NotFound:
		return "not-found"
	case PreconditionFailed:
		return "precondition-failed"
	case DeadlineExceeded:
		return "deadline-exceeded"
	case FatalConfig:
		return "fatal-config"
	case FatalStore:
		return "fatal-store"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind plus enough context to build
// either a log line or an MCP error payload, without exposing the wrapped
// error's concrete type to callers outside this process.
type Error struct {
	Kind    Kind
	Message string

	// PropertyName/PropertyValue identify the offending argument, if any.
	PropertyName  string
	PropertyValue any

	NestedError error
}

func (e *Error) Error() string {
	if e.PropertyName != "" {
		return fmt.Sprintf("%s: %s (%s=%v)", e.Kind, e.Message, e.PropertyName, e.PropertyValue)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.NestedError }

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		err = unwrap(err)
	}
	return e != nil && e.Kind == kind
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error with the given kind, message, and nested cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, NestedError: cause}
}

// WithProperty returns a copy of e annotated with the offending property.
func (e *Error) WithProperty(name string, value any) *Error {
	cp := *e
	cp.PropertyName = name
	cp.PropertyValue = value
	return &cp
}

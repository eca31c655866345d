// Package rerror carries the error taxonomy surfaced to user callbacks
// as the sole discriminator of command failure.
package rerror

import "fmt"

// Kind discriminates the category of a command failure.
type Kind int

const (
	// Ok means the reply is a non-error payload.
	Ok Kind = iota
	// Unknown means an internal invariant was violated, e.g. a command
	// was destroyed while its callback was still armed.
	Unknown
	// HiredisLayer means the transport reported an error, or the reply
	// payload itself is a protocol-level error.
	HiredisLayer
	// TtlExceeded means the command exhausted its retry budget.
	TtlExceeded
	// Connection means no usable connection was available for dispatch.
	Connection
	// SlotUnavailable means the slot table was torn down with the
	// command still queued.
	SlotUnavailable
	// Create means the command could not be constructed or formatted.
	Create
	// Param means a caller passed a nil command, or a nil key with a
	// positive length.
	Param
	// Timeout means a head-of-line skip during reply demultiplexing, or
	// delay-queue abandonment during reset.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Unknown:
		return "unknown"
	case HiredisLayer:
		return "hiredis_layer"
	case TtlExceeded:
		return "ttl_exceeded"
	case Connection:
		return "connection"
	case SlotUnavailable:
		return "slot_unavailable"
	case Create:
		return "create"
	case Param:
		return "param"
	case Timeout:
		return "timeout"
	default:
		return "invalid"
	}
}

// Error wraps a Kind with an optional underlying cause and, for
// protocol-level failures, the raw reply string.
type Error struct {
	Kind  Kind
	Err   error
	Reply string
}

// New builds an Error of the given kind wrapping err (which may be nil).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithReply builds a HiredisLayer Error carrying the raw protocol error
// string returned by the server.
func WithReply(reply string) *Error {
	return &Error{Kind: HiredisLayer, Reply: reply}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Reply != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reply)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether err carries the given Kind, unwrapping through any
// wrapped *Error chain.
func Is(err error, kind Kind) bool {
	var re *Error
	for err != nil {
		if r, ok := err.(*Error); ok {
			re = r
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return re != nil && re.Kind == kind
}

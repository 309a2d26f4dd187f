package transport

import (
	"errors"
	"fmt"
)

// Error classes for network failures. Every *Error unwraps to exactly one of them.
var (
	// ErrReachability indicates that neither port mapping nor direct IPv6
	// discovery produced an address the server could advertise.
	ErrReachability = errors.New("no reachable address")

	// ErrBind indicates the listening address or port is unusable.
	ErrBind = errors.New("bind failed")

	// ErrConnect indicates the client could not reach the server.
	ErrConnect = errors.New("connect failed")

	// ErrTransport indicates the connection failed in the middle of a session.
	ErrTransport = errors.New("transport failure")

	// ErrPeerClosed indicates the peer closed the connection before the
	// expected number of bytes arrived.
	ErrPeerClosed = fmt.Errorf("%w: peer closed connection", ErrTransport)

	// ErrTimeout indicates a read or write exceeded the configured I/O timeout.
	ErrTimeout = fmt.Errorf("%w: i/o timeout", ErrTransport)
)

// Error describes a failed network operation.
type Error struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Kind error  // one of the error classes above
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the error class and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// newError creates a new *Error
func newError(op, addr string, kind, err error) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Kind: kind,
		Err:  err,
	}
}

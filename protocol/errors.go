package protocol

import (
	"errors"
	"fmt"
	"io"
)

// ErrProtocol is the class of every malformed, truncated or out-of-order exchange.
var ErrProtocol = errors.New("protocol error")

var (
	// ErrMalformedFrame indicates a frame whose fields violate the wire format.
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrProtocol)

	// ErrTruncatedFrame indicates the stream ended in the middle of a frame.
	ErrTruncatedFrame = fmt.Errorf("%w: truncated frame", ErrProtocol)

	// ErrUnknownRequest indicates an unsupported request kind.
	ErrUnknownRequest = fmt.Errorf("%w: unknown request kind", ErrProtocol)

	// ErrInvalidState indicates an operation issued out of order within a session.
	ErrInvalidState = fmt.Errorf("%w: invalid session state", ErrProtocol)

	// ErrNotFound indicates the requested path does not exist on the server.
	ErrNotFound = errors.New("path not found")

	// ErrRejected indicates the server refused the request for another reason.
	ErrRejected = errors.New("request rejected by server")
)

// readError converts a short read into ErrTruncatedFrame while keeping the cause.
func readError(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading %s: %w", ErrTruncatedFrame, field, err)
	}
	return fmt.Errorf("reading %s: %w", field, err)
}

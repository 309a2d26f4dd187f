package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/opd-ai/peerdrop/limits"
)

// Status is the outcome carried by a response frame.
type Status uint8

const (
	// StatusOK accepts a request or acknowledges a committed upload.
	StatusOK Status = iota
	// StatusNotFound reports a Get for a path that does not exist.
	StatusNotFound
	// StatusPathEscape reports a path that resolves outside the server root.
	StatusPathEscape
	// StatusExists reports an upload that would overwrite an existing file.
	StatusExists
	// StatusBadRequest reports a malformed or unsupported frame.
	StatusBadRequest
	// StatusInternal reports a local I/O failure on the server.
	StatusInternal
	// StatusUnavailable reports that the server cannot accept the request right now.
	StatusUnavailable
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusPathEscape:
		return "PathEscape"
	case StatusExists:
		return "Exists"
	case StatusBadRequest:
		return "BadRequest"
	case StatusInternal:
		return "Internal"
	case StatusUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Response is the server's verdict on a request or on a finished upload.
type Response struct {
	Status  Status
	Message string
}

// StatusError is the client-side form of a non-OK response.
type StatusError struct {
	Status  Status
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %s", e.Status)
	}
	return fmt.Sprintf("server responded %s: %s", e.Status, e.Message)
}

// Unwrap returns the sentinel matching the status so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// Err converts a non-OK response into an error. The kind for PathEscape,
// Exists and Internal is supplied by the caller's mapping so this package stays
// free of file-system concerns.
func (r Response) Err(kinds map[Status]error) error {
	if r.Status == StatusOK {
		return nil
	}
	kind, ok := kinds[r.Status]
	if !ok {
		switch r.Status {
		case StatusNotFound:
			kind = ErrNotFound
		case StatusBadRequest:
			kind = ErrMalformedFrame
		default:
			kind = ErrRejected
		}
	}
	return &StatusError{Status: r.Status, Message: r.Message, kind: kind}
}

// WriteResponse encodes resp and writes it to w in a single call. Messages
// longer than MaxStatusMessage are truncated on a rune boundary.
func WriteResponse(w io.Writer, resp Response) error {
	msg := truncateUTF8(resp.Message, limits.MaxStatusMessage)
	buf := make([]byte, 3+len(msg))
	buf[0] = byte(resp.Status)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
	copy(buf[3:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// ReadResponse decodes one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Response{}, readError("response header", err)
	}
	status := Status(header[0])
	if status > StatusUnavailable {
		return Response{}, fmt.Errorf("%w: unknown status %d", ErrMalformedFrame, header[0])
	}
	n := binary.BigEndian.Uint16(header[1:3])
	if int(n) > limits.MaxStatusMessage {
		return Response{}, fmt.Errorf("%w: response message length %d exceeds limit %d", ErrMalformedFrame, n, limits.MaxStatusMessage)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return Response{}, readError("response message", err)
	}
	if !utf8.Valid(msg) {
		return Response{}, fmt.Errorf("%w: response message is not valid UTF-8", ErrMalformedFrame)
	}
	return Response{Status: status, Message: string(msg)}, nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

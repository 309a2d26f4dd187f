package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/opd-ai/peerdrop/limits"
)

// Kind discriminates the request variants.
type Kind uint8

const (
	// KindUpload announces that the client will push a transfer frame.
	KindUpload Kind = 0x01
	// KindGet asks the server to stream the file or subtree at Path.
	KindGet Kind = 0x02
)

// String returns a string representation of the request kind.
func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "Upload"
	case KindGet:
		return "Get"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Request is the first message of every session.
type Request struct {
	Kind Kind
	// Path is only meaningful for KindGet. Empty and "/" denote the server root.
	Path string
}

// Upload returns an Upload request.
func Upload() Request {
	return Request{Kind: KindUpload}
}

// Get returns a Get request for path.
func Get(path string) Request {
	return Request{Kind: KindGet, Path: path}
}

// String returns a string representation of the request.
func (r Request) String() string {
	if r.Kind == KindGet {
		return fmt.Sprintf("Get(%q)", r.Path)
	}
	return r.Kind.String()
}

// Validate checks that the request can be encoded.
func (r Request) Validate() error {
	switch r.Kind {
	case KindUpload:
		if r.Path != "" {
			return fmt.Errorf("%w: upload request carries a path", ErrMalformedFrame)
		}
		return nil
	case KindGet:
		if len(r.Path) > limits.MaxPathLength {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, limits.ErrPathTooLong)
		}
		if !utf8.ValidString(r.Path) {
			return fmt.Errorf("%w: path is not valid UTF-8", ErrMalformedFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownRequest, uint8(r.Kind))
	}
}

// MarshalBinary encodes the request frame.
func (r Request) MarshalBinary() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Kind == KindUpload {
		return []byte{byte(KindUpload)}, nil
	}
	buf := make([]byte, 1+4+len(r.Path))
	buf[0] = byte(KindGet)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(r.Path)))
	copy(buf[5:], r.Path)
	return buf, nil
}

// WriteRequest encodes req and writes it to w in a single call.
func WriteRequest(w io.Writer, req Request) error {
	data, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// ReadRequest decodes one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return Request{}, readError("request kind", err)
	}

	switch Kind(kind[0]) {
	case KindUpload:
		return Upload(), nil
	case KindGet:
		path, err := readString(r, "request path", limits.MaxPathLength, true)
		if err != nil {
			return Request{}, err
		}
		return Get(path), nil
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownRequest, kind[0])
	}
}

// readString reads a u32 length-prefixed UTF-8 string bounded by max.
func readString(r io.Reader, field string, max int, allowEmpty bool) (string, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", readError(field+" length", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > uint32(max) {
		return "", fmt.Errorf("%w: %s length %d exceeds limit %d", ErrMalformedFrame, field, n, max)
	}
	if n == 0 && !allowEmpty {
		return "", fmt.Errorf("%w: empty %s", ErrMalformedFrame, field)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", readError(field, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedFrame, field)
	}
	return string(data), nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/opd-ai/peerdrop/limits"
)

// FileHeader precedes the payload of one file inside a transfer frame.
type FileHeader struct {
	// Path is relative and slash separated.
	Path string
	Size uint64
}

// ValidateWirePath checks the syntactic rules for a path inside a transfer
// frame: non-empty, relative, clean, no NUL bytes and no ".." segments. The
// receiving side still resolves the path against its root.
func ValidateWirePath(p string) error {
	if err := limits.ValidatePathLength(p); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: path contains NUL byte", ErrMalformedFrame)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("%w: path %q is not a relative slash path", ErrMalformedFrame, p)
	}
	if path.Clean(p) != p || p == "." {
		return fmt.Errorf("%w: path %q is not clean", ErrMalformedFrame, p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("%w: path %q leaves its base", ErrMalformedFrame, p)
	}
	return nil
}

// WriteFileCount writes the leading count of a transfer frame.
func WriteFileCount(w io.Writer, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative file count", ErrMalformedFrame)
	}
	if err := limits.ValidateFileCount(uint64(count)); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing file count: %w", err)
	}
	return nil
}

// ReadFileCount reads the leading count of a transfer frame.
func ReadFileCount(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, readError("file count", err)
	}
	count := binary.BigEndian.Uint32(buf[:])
	if err := limits.ValidateFileCount(uint64(count)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return int(count), nil
}

// MarshalBinary encodes the header without its payload.
func (h FileHeader) MarshalBinary() ([]byte, error) {
	if err := ValidateWirePath(h.Path); err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(h.Path)+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(h.Path)))
	copy(buf[4:], h.Path)
	binary.BigEndian.PutUint64(buf[4+len(h.Path):], h.Size)
	return buf, nil
}

// WriteFileHeader writes one file header. The caller must follow it with
// exactly h.Size payload bytes.
func WriteFileHeader(w io.Writer, h FileHeader) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing file header: %w", err)
	}
	return nil
}

// ReadFileHeader reads one file header. The payload is left on r.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	p, err := readString(r, "file path", limits.MaxPathLength, false)
	if err != nil {
		return FileHeader{}, err
	}
	// Containment is decided by the receiver against its root, so only the
	// encoding rules are enforced here.
	if strings.ContainsRune(p, 0) {
		return FileHeader{}, fmt.Errorf("%w: file path contains NUL byte", ErrMalformedFrame)
	}

	var size [8]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return FileHeader{}, readError("file size", err)
	}
	return FileHeader{Path: p, Size: binary.BigEndian.Uint64(size[:])}, nil
}

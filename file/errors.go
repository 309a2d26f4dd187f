package file

import (
	"errors"
	"fmt"
)

var (
	// ErrPathEscape indicates a path that resolves outside the root directory.
	ErrPathEscape = errors.New("path escapes root directory")

	// ErrIO indicates a local filesystem failure while reading or writing files.
	ErrIO = errors.New("file i/o failure")

	// ErrFileExists indicates a received file would replace an existing one
	// and overwriting is not allowed.
	ErrFileExists = errors.New("file already exists")

	// ErrNotDirectory indicates a root path that does not exist or is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

func escapeError(p, reason string) error {
	return fmt.Errorf("%w: %q %s", ErrPathEscape, p, reason)
}

func ioError(op, p string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, p, err)
}

// Package limits provides centralized size limits for the peerdrop protocol.
// This ensures consistent validation across the protocol, transport and file layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultBufferSize is the chunk size used when none is configured.
	DefaultBufferSize = 4096

	// MinBufferSize is the smallest usable chunk size.
	MinBufferSize = 1

	// MaxBufferSize caps the chunk size to bound per-session memory (16 MiB).
	MaxBufferSize = 16 * 1024 * 1024

	// MaxPathLength is the maximum length in bytes of a relative path on the wire.
	MaxPathLength = 4096

	// MaxFileCount is the maximum number of files a single transfer frame may announce.
	MaxFileCount = 1 << 20

	// MaxStatusMessage is the maximum length of the message carried by a response frame.
	MaxStatusMessage = 1024
)

var (
	// ErrBufferSize indicates a chunk size outside [MinBufferSize, MaxBufferSize].
	ErrBufferSize = errors.New("invalid buffer size")

	// ErrPathEmpty indicates an empty path where one is required.
	ErrPathEmpty = errors.New("empty path")

	// ErrPathTooLong indicates a path longer than MaxPathLength.
	ErrPathTooLong = errors.New("path too long")

	// ErrTooManyFiles indicates a file count above MaxFileCount.
	ErrTooManyFiles = errors.New("too many files")
)

// ValidateBufferSize checks that size is a usable chunk size.
func ValidateBufferSize(size int) error {
	if size < MinBufferSize || size > MaxBufferSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrBufferSize, size, MinBufferSize, MaxBufferSize)
	}
	return nil
}

// ValidatePathLength checks that a wire path is non-empty and within MaxPathLength.
func ValidatePathLength(path string) error {
	if len(path) == 0 {
		return ErrPathEmpty
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrPathTooLong, len(path), MaxPathLength)
	}
	return nil
}

// ValidateFileCount checks that a transfer frame does not announce too many files.
func ValidateFileCount(count uint64) error {
	if count > MaxFileCount {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyFiles, count, MaxFileCount)
	}
	return nil
}

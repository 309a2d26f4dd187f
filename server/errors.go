package server

import (
	"errors"
	"io/fs"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/protocol"
)

var (
	// ErrServerClosed is returned by Serve after Stop has been called.
	ErrServerClosed = errors.New("server: server closed")

	// ErrAlreadyServing is returned by Serve when another Serve call is running.
	ErrAlreadyServing = errors.New("server: already serving")
)

// statusFor maps a session failure onto the status reported to the client.
func statusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, file.ErrPathEscape):
		return protocol.StatusPathEscape
	case errors.Is(err, fs.ErrNotExist):
		return protocol.StatusNotFound
	case errors.Is(err, file.ErrFileExists):
		return protocol.StatusExists
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, limits.ErrTooManyFiles):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusInternal
	}
}

// clientMessage returns the text sent along with status. Internal failures
// are not described to the client since they name local paths.
func clientMessage(status protocol.Status, err error) string {
	switch status {
	case protocol.StatusBadRequest, protocol.StatusPathEscape, protocol.StatusExists:
		return err.Error()
	case protocol.StatusNotFound:
		return "no such file or directory"
	case protocol.StatusUnavailable:
		return "server cannot accept uploads"
	default:
		return "internal server error"
	}
}

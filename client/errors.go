package client

import (
	"errors"
	"fmt"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/protocol"
)

// ErrAlreadyConnected is returned by Connect while a session is open.
var ErrAlreadyConnected = errors.New("client: already connected")

// statusKinds maps refusal statuses onto the sentinels a caller can test
// with errors.Is. Statuses not listed use the protocol defaults.
var statusKinds = map[protocol.Status]error{
	protocol.StatusPathEscape: file.ErrPathEscape,
	protocol.StatusExists:     file.ErrFileExists,
}

func invalidState(op string, state State) error {
	return fmt.Errorf("%w: %s called in state %s", protocol.ErrInvalidState, op, state)
}

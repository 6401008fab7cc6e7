package manager

import (
	"errors"
	"fmt"
)

// Reasons the manager closes a transport with. They come back to the owner as
// CloseEvent.Reason so that OnClose can tell its own requests apart from
// network failures with errors.Is.
var (
	ErrReconnect     = errors.New("connection closed to reconnect")
	ErrControlClosed = errors.New("connection closed by owner")
	ErrDisposed      = errors.New("connection manager disposed")
)

// ErrAddressDisabled means the address is not a websocket address at all. This
// is how an owner runs without a backend, so it is not treated as a failure.
var ErrAddressDisabled = errors.New("address is not a websocket address")

// The InvalidAddressError is used when an address looks like a websocket address
// but cannot be parsed as a url
type InvalidAddressError struct {
	Address string
	Err     error
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid websocket address %q: %s", e.Address, e.Err)
}

func (e *InvalidAddressError) Unwrap() error { return e.Err }

/*
Package transporter is the lowest layer of the connection architecture. A Transporter
ferries raw frames over a single streaming connection instance and reports everything
that happens to that instance as an ordered stream of Events:

	Open -> (Message | Error)* -> Close

Open fires at most once and before any Message or Error. Close fires exactly once, is
always the last event, and the Events channel is closed right after it. A failed dial
produces Error then Close with no Open.
*/
package transporter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type EventType int

const (
	Open EventType = iota
	Close
	Error
	Message
)

func (e EventType) String() string {
	switch e {
	case Open:
		return "Open"
	case Close:
		return "Close"
	case Error:
		return "Error"
	case Message:
		return "Message"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// Close codes, see RFC 6455 section 7.4.1
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseNoStatus        = 1005
	CloseAbnormalClosure = 1006
)

// CloseEvent describes why a transport instance terminated
type CloseEvent struct {
	Code int
	Text string

	// Reason is the error the transport was closed with. For closes requested
	// through Close(reason) this is that reason, otherwise it is the read error.
	Reason error
}

func (c CloseEvent) WasClean() bool {
	return c.Code == CloseNormalClosure
}

func (c CloseEvent) String() string {
	return fmt.Sprintf("code %d (%s): %v", c.Code, c.Text, c.Reason)
}

type Event struct {
	Type EventType

	// Set for Close events
	Close CloseEvent

	// Set for Error events
	Err error

	// Set for Message events
	Payload []byte
}

type Transporter interface {
	// Connect starts dialing and returns immediately; the outcome is reported on Events()
	Connect(ctx context.Context, connUrl *url.URL, headers http.Header)
	Events() <-chan Event
	Send(message []byte) error
	Close(reason error)
	Done() <-chan struct{}
	Err() error
}

// Factory creates a fresh, unconnected transport for every connection attempt
type Factory func(connectionId string) Transporter

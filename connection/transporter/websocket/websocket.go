/*
The Websocket package establishes and ferries raw frames across a single websocket
connection. In terms of the overall connection layer architecture, this package is
at the lowest layer: it knows nothing about message formats and only reports what
happens to the socket as transporter events, in order, on one channel.

A Websocket is single use. Reconnecting means creating a new one.
*/

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"livecomment.dev/wscomp/connection/transporter"
	"livecomment.dev/wscomp/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	closeGracePeriod = time.Second

	eventBufferSize = 200
)

var errNotOpen = errors.New("cannot send message because websocket is not open")

type Websocket struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	dialer *gorilla.Dialer

	// guards everything below; client is set by the dialing goroutine
	mu        sync.Mutex
	client    *gorilla.Conn
	started   bool
	requested bool
	remote    transporter.CloseEvent

	// gorilla allows only one concurrent writer
	writeMu sync.Mutex

	events chan transporter.Event
}

func New(logger *logger.Logger) transporter.Transporter {
	return &Websocket{
		logger: logger,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		events: make(chan transporter.Event, eventBufferSize),
	}
}

func (w *Websocket) Connect(ctx context.Context, connUrl *url.URL, headers http.Header) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Infof("Ignoring Connect on a websocket that was already used")
		return
	}
	w.started = true
	w.mu.Unlock()

	target := connUrl.String()
	w.tmb.Go(func() error {
		return w.run(ctx, target, headers)
	})

	go w.finish()
}

func (w *Websocket) Close(reason error) {
	w.mu.Lock()
	if !w.started {
		// never connected, but the Close event still has to be delivered
		w.started = true
		w.requested = true
		w.mu.Unlock()

		w.tmb.Kill(reason)
		w.tmb.Go(func() error { return nil })
		go w.finish()
		return
	}

	if !w.tmb.Alive() {
		w.mu.Unlock()
		w.logger.Debugf("Close was called while in a dying state")
		return
	}

	w.requested = true
	client := w.client
	w.mu.Unlock()

	w.logger.Infof("Websocket connection closing because: %s", reason)
	w.tmb.Kill(reason)

	if client != nil {
		client.WriteControl(
			gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		client.Close()
	}

	w.tmb.Wait()
}

func (w *Websocket) Done() <-chan struct{} {
	return w.tmb.Dead()
}

func (w *Websocket) Err() error {
	return w.tmb.Err()
}

func (w *Websocket) Events() <-chan transporter.Event {
	return w.events
}

func (w *Websocket) Send(message []byte) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	if client == nil || !w.tmb.Alive() {
		return errNotOpen
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	client.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := client.WriteMessage(gorilla.TextMessage, message); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (w *Websocket) run(ctx context.Context, target string, headers http.Header) error {
	client, _, err := w.dialer.DialContext(w.tmb.Context(ctx), target, headers)
	if err != nil {
		if !w.tmb.Alive() {
			return nil
		}

		rerr := fmt.Errorf("error dialing websocket: %w", err)
		w.emit(transporter.Event{Type: transporter.Error, Err: rerr})
		return rerr
	}

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	// Close may have run while we were dialing, in which case it had no client to close
	if !w.tmb.Alive() {
		client.Close()
		return nil
	}

	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")
	w.emit(transporter.Event{Type: transporter.Open})

	for {
		_, rawMessage, err := client.ReadMessage()
		if !w.tmb.Alive() {
			return nil
		} else if err != nil {
			var closeErr *gorilla.CloseError
			if errors.As(err, &closeErr) {
				w.mu.Lock()
				w.remote = transporter.CloseEvent{Code: closeErr.Code, Text: closeErr.Text}
				w.mu.Unlock()
			}

			// Check if it's a clean exit
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				w.logger.Info("Websocket connection closed normally")
			} else {
				w.logger.Error(err)
				w.emit(transporter.Event{Type: transporter.Error, Err: err})
			}
			return err
		}

		w.emit(transporter.Event{Type: transporter.Message, Payload: rawMessage})
	}
}

// finish delivers the Close event once every tracked goroutine is gone
func (w *Websocket) finish() {
	<-w.tmb.Dead()

	w.mu.Lock()
	event := w.remote
	requested := w.requested
	w.mu.Unlock()

	event.Reason = w.tmb.Err()
	if event.Code == 0 {
		if requested {
			event.Code = transporter.CloseNormalClosure
			event.Text = "closed by client"
		} else {
			event.Code = transporter.CloseAbnormalClosure
		}
	}

	w.events <- transporter.Event{Type: transporter.Close, Close: event}
	close(w.events)
}

// emit never blocks a dying websocket; whatever is still queued gets dropped
func (w *Websocket) emit(event transporter.Event) {
	select {
	case w.events <- event:
	case <-w.tmb.Dying():
		w.logger.Debugf("Dropping %s event because the websocket is closing", event.Type)
	}
}

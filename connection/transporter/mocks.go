package transporter

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockTransporter records calls through testify and lets tests drive the event
// stream by hand with Emit and Finish. Close behaves like a real transport: it
// finishes the stream with a clean close carrying the given reason.
type MockTransporter struct {
	mock.Mock

	mu       sync.Mutex
	finished bool
	err      error
	events   chan Event
	done     chan struct{}
}

func NewMockTransporter() *MockTransporter {
	return &MockTransporter{
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}
}

// Permissive sets up expectations that accept any Connect, Send and Close
func (m *MockTransporter) Permissive() *MockTransporter {
	m.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return()
	m.On("Send", mock.Anything).Return(nil)
	m.On("Close", mock.Anything).Return()
	return m
}

func (m *MockTransporter) Connect(ctx context.Context, connUrl *url.URL, headers http.Header) {
	m.Called(ctx, connUrl, headers)
}

func (m *MockTransporter) Events() <-chan Event {
	return m.events
}

func (m *MockTransporter) Send(message []byte) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockTransporter) Close(reason error) {
	m.Called(reason)
	m.Finish(CloseEvent{Code: CloseNormalClosure, Text: "closed by client", Reason: reason})
}

func (m *MockTransporter) Done() <-chan struct{} {
	return m.done
}

func (m *MockTransporter) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Emit queues an event unless the stream has already finished
func (m *MockTransporter) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.finished {
		m.events <- event
	}
}

// Finish delivers the terminal Close event; only the first call has any effect
func (m *MockTransporter) Finish(event CloseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return
	}
	m.finished = true
	m.err = event.Reason

	m.events <- Event{Type: Close, Close: event}
	close(m.events)
	close(m.done)
}

func (m *MockTransporter) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

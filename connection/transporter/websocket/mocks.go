package websocket

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecomment.dev/wscomp/logger"
)

// MockWebsocketServer echoes every frame back to its sender and lets tests push
// frames, close connections cleanly, or drop them without a close handshake
type MockWebsocketServer struct {
	logger   *logger.Logger
	listener net.Listener

	// each connection carries its own write lock since gorilla allows one writer
	mu       sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex
	accepted int

	Addr          string
	ReceivedBytes chan []byte
}

// Adapted from: https://golangdocs.com/golang-gorilla-websockets
func NewMockWebsocketServer(logger *logger.Logger) *MockWebsocketServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener")
	}

	mockServer := &MockWebsocketServer{
		logger:        logger,
		listener:      listener,
		conns:         make(map[*websocket.Conn]*sync.Mutex),
		Addr:          fmt.Sprintf("ws://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port),
		ReceivedBytes: make(chan []byte, 100),
	}

	go func() {
		http.Serve(mockServer.listener, mockServer)
	}()

	return mockServer
}

func (m *MockWebsocketServer) Shutdown() {
	m.listener.Close()
	m.Drop()
}

// Accepted is the number of websocket upgrades the server has handled
func (m *MockWebsocketServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Live is the number of connections that are currently open
func (m *MockWebsocketServer) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Broadcast writes a text frame to every open connection
func (m *MockWebsocketServer) Broadcast(message []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn, writeMu := range m.conns {
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, message)
		writeMu.Unlock()
	}
}

// CloseAll performs a server initiated close handshake with the given code
func (m *MockWebsocketServer) CloseAll(code int, text string) {
	for _, conn := range m.snapshot() {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	}
}

// Drop kills every connection without a close frame, like a network failure
func (m *MockWebsocketServer) Drop() {
	for _, conn := range m.snapshot() {
		conn.UnderlyingConn().Close()
	}
}

func (m *MockWebsocketServer) snapshot() []*websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := make([]*websocket.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (m *MockWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}

	// Upgrade our raw HTTP connection to a websocket based one
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}

	writeMu := &sync.Mutex{}

	m.mu.Lock()
	m.conns[conn] = writeMu
	m.accepted++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	// The event loop
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("Mock server stopped reading: %s", err)
			break
		}

		select {
		case m.ReceivedBytes <- message:
		default:
		}

		writeMu.Lock()
		err = conn.WriteMessage(messageType, message)
		writeMu.Unlock()

		if err != nil {
			m.logger.Errorf("Error during message writing: %s", err)
			break
		}
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/glassbridge/proto"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultRecvBuffer   = 64
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport closed while connecting")
)

type MuxConfig struct {
	Dialer       *websocket.Dialer // nil uses websocket.DefaultDialer
	WriteTimeout time.Duration     // per write deadline, default 10s
	RecvBuffer   int               // inbound queue depth, default 64
}

// Mux multiplexes audio, video and JSON text over one websocket. Binary
// messages carry a one-byte frame tag; text messages are passed through.
// One goroutine per connection reads until the socket fails or Disconnect is
// called and hands messages to Recv in arrival order.
type Mux struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	recvBuffer   int

	mu    sync.Mutex
	state ConnectionState
	conn  *websocket.Conn
	recv  chan Message
	done  chan struct{}
	// dial counts Connect attempts; a dial that is no longer the latest
	// one discards its socket.
	dial uint64

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

var _ Transport = (*Mux)(nil)

func NewMux(cfg MuxConfig) *Mux {
	m := &Mux{
		dialer:       cfg.Dialer,
		writeTimeout: cfg.WriteTimeout,
		recvBuffer:   cfg.RecvBuffer,
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = defaultWriteTimeout
	}
	if m.recvBuffer <= 0 {
		m.recvBuffer = defaultRecvBuffer
	}
	return m
}

// Connect dials ep. It does nothing if a connection exists or is being set
// up. The receive goroutine is running before the state becomes Connected,
// so a challenge sent the instant the socket opens is not lost.
func (m *Mux) Connect(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.dial++
	dial := m.dial
	m.mu.Unlock()

	slog.Debug("Dialing websocket", "url", ep.Redacted())
	conn, _, err := m.dialer.DialContext(ctx, ep.URL(), nil)
	if err != nil {
		m.mu.Lock()
		if m.dial == dial && m.state == Connecting {
			m.state = Disconnected
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", ep.Redacted(), err)
	}

	m.mu.Lock()
	if m.dial != dial || m.state != Connecting {
		// Disconnect was called while we were dialing, possibly
		// followed by a newer Connect.
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	recv := make(chan Message, m.recvBuffer)
	done := make(chan struct{})
	m.conn, m.recv, m.done = conn, recv, done
	go m.readLoop(conn, recv, done)
	m.state = Connected
	m.mu.Unlock()

	slog.Info("Websocket connected", "url", ep.Redacted())
	return nil
}

func (m *Mux) readLoop(conn *websocket.Conn, recv chan<- Message, done <-chan struct{}) {
	defer close(recv)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// local Disconnect, already accounted for
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("Websocket closed by peer", "error", err)
				} else {
					slog.Warn("Websocket receive failed", "error", err)
				}
			}
			m.lost(conn)
			return
		}

		var kind MessageKind
		switch typ {
		case websocket.TextMessage:
			kind = TextMessage
		case websocket.BinaryMessage:
			kind = BinaryMessage
		default:
			continue
		}

		select {
		case recv <- Message{Kind: kind, Data: data}:
		case <-done:
			return
		}
	}
}

// lost marks the connection gone after a receive failure, unless a newer
// connection has already replaced it.
func (m *Mux) lost(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn, m.recv, m.done = nil, nil, nil
	m.state = Disconnected
	conn.Close()
}

// Disconnect closes the socket with a normal closure and releases the
// receive goroutine. Safe to call at any time.
func (m *Mux) Disconnect() {
	m.mu.Lock()
	conn, done := m.conn, m.done
	m.conn, m.recv, m.done = nil, nil, nil
	m.state = Disconnected
	m.mu.Unlock()

	if conn == nil {
		return
	}
	close(done)

	m.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	if err != nil {
		slog.Debug("Failed to send close message", "error", err)
	}
	conn.Close()
	slog.Info("Websocket disconnected")
}

// SendBinary writes tag||payload as one binary message. Sends are
// fire-and-forget: failures are logged and returned but nothing retries.
func (m *Mux) SendBinary(t proto.FrameType, payload []byte) error {
	return m.write(websocket.BinaryMessage, proto.Frame{Type: t, Payload: payload}.Encode())
}

func (m *Mux) SendText(text string) error {
	return m.write(websocket.TextMessage, []byte(text))
}

func (m *Mux) write(messageType int, data []byte) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	err := conn.WriteMessage(messageType, data)
	m.writeMu.Unlock()
	if err != nil {
		slog.Warn("Websocket send failed", "type", messageType, "size", len(data), "error", err)
		return fmt.Errorf("failed to send websocket message: %w", err)
	}
	return nil
}

// Recv returns the inbound channel of the current connection, or nil when
// there is none.
func (m *Mux) Recv() <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recv
}

func (m *Mux) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/glassbridge/proto"
)

// PeerMetadata describes one socket connected to the gateway.
type PeerMetadata struct {
	Id            string    `json:"id"`
	Path          string    `json:"path"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	DeviceID      string    `json:"deviceId,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	Authenticated bool      `json:"authenticated"`
	AudioFrames   uint64    `json:"audioFrames"`
	VideoFrames   uint64    `json:"videoFrames"`
	ChatMessages  uint64    `json:"chatMessages"`
}

// Peer is the gateway side of one websocket.
type Peer struct {
	id          string
	path        string
	remoteAddr  string
	connectedAt time.Time
	conn        *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	mu            sync.RWMutex
	nonce         string
	challengeTS   int64
	deviceID      string
	platform      string
	authenticated bool

	audioFrames  atomic.Uint64
	videoFrames  atomic.Uint64
	chatMessages atomic.Uint64
}

func NewPeer(conn *websocket.Conn, kind, path, remoteAddr string, now time.Time) *Peer {
	return &Peer{
		id:          generatePeerId(kind),
		path:        path,
		remoteAddr:  remoteAddr,
		connectedAt: now,
		conn:        conn,
	}
}

func (p *Peer) Id() string { return p.id }

func (p *Peer) Send(env proto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := p.write(websocket.TextMessage, data); err != nil {
		return err
	}
	slog.Debug("Sent WebSocket message", "to", p.id, "type", env.Type, "event", env.Event, "id", env.ID, "size", len(data))
	return nil
}

// SendBinary writes raw bytes with no frame tag; downlink audio goes to the
// client's player as-is.
func (p *Peer) SendBinary(data []byte) error {
	return p.write(websocket.BinaryMessage, data)
}

func (p *Peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(messageType, data)
}

func (p *Peer) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authenticated
}

func (p *Peer) Meta() PeerMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerMetadata{
		Id:            p.id,
		Path:          p.path,
		RemoteAddr:    p.remoteAddr,
		ConnectedAt:   p.connectedAt,
		DeviceID:      p.deviceID,
		Platform:      p.platform,
		Authenticated: p.authenticated,
		AudioFrames:   p.audioFrames.Load(),
		VideoFrames:   p.videoFrames.Load(),
		ChatMessages:  p.chatMessages.Load(),
	}
}

func generatePeerId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

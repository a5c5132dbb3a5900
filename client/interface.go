package client

import (
	"context"

	"github.com/mbocsi/glassbridge/proto"
)

type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

func (k MessageKind) String() string {
	if k == BinaryMessage {
		return "binary"
	}
	return "text"
}

// Message is one inbound websocket message, delivered in arrival order.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Transport is a single multiplexed socket. Mux is the websocket
// implementation.
type Transport interface {
	Connect(ctx context.Context, ep Endpoint) error
	Disconnect()
	SendText(text string) error
	SendBinary(t proto.FrameType, payload []byte) error
	// Recv returns the inbound channel of the current connection. It is
	// closed when that connection ends.
	Recv() <-chan Message
	State() ConnectionState
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/mbocsi/glassbridge/clock"
	"github.com/mbocsi/glassbridge/identity"
	"github.com/mbocsi/glassbridge/proto"
)

const DefaultSessionKey = "main"

var (
	ErrDisconnected = errors.New("connection closed before a response arrived")
	ErrEmptyMessage = errors.New("message is empty")
)

type Config struct {
	Endpoint   Endpoint
	Platform   string // reported in the connect request, default runtime.GOOS
	SessionKey string // chat.send session, default "main"

	// HandshakeTimeout bounds connect-to-authenticated. Zero waits forever.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds Call when the context has no earlier deadline.
	// Zero means only the context applies.
	RequestTimeout time.Duration

	Clock clock.Clock
}

// Client speaks the gateway's JSON request/response/event protocol over a
// Transport: it runs the signed connect handshake, correlates responses with
// requests, and turns chat events into a Transcript.
type Client struct {
	transport Transport
	identity  *identity.Identity
	cfg       Config
	clock     clock.Clock

	transcript *Transcript

	// mu guards everything below. The receive goroutine and callers both
	// go through it, so state, counter, pending text and waiters change in
	// one place.
	mu             sync.Mutex
	state          State
	stateChanged   chan struct{}
	generation     uint64
	lastRequestID  uint64
	connectID      proto.RequestID
	pendingText    *string
	handshakeTimer *clock.Timer
	waiters        map[proto.RequestID]chan proto.Envelope

	handlerMu     sync.RWMutex
	eventHandlers map[string]func(proto.Envelope) error
}

func NewClient(t Transport, id *identity.Identity, cfg Config) *Client {
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = DefaultSessionKey
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Client{
		transport:     t,
		identity:      id,
		cfg:           cfg,
		clock:         cfg.Clock,
		transcript:    NewTranscript(),
		stateChanged:  make(chan struct{}),
		waiters:       make(map[proto.RequestID]chan proto.Envelope),
		eventHandlers: make(map[string]func(proto.Envelope) error),
	}
}

// Connect opens the transport and starts waiting for the gateway's
// challenge. It returns once the socket is open; use WaitForState to wait
// for authentication. Calling Connect on a live client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.transport.Connect(ctx, c.cfg.Endpoint); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.resetLocked()
		}
		c.mu.Unlock()
		return err
	}
	recv := c.transport.Recv()

	c.mu.Lock()
	if c.generation != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateAwaitingChallenge)
	if c.cfg.HandshakeTimeout > 0 {
		c.handshakeTimer = c.clock.AfterFunc(c.cfg.HandshakeTimeout, func() { c.handshakeExpired(gen) })
	}
	c.mu.Unlock()

	go c.readLoop(gen, recv)
	return nil
}

// Disconnect closes the transport. Requests still waiting for a response
// fail with ErrDisconnected.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

func (c *Client) readLoop(gen uint64, recv <-chan Message) {
	if recv != nil {
		for msg := range recv {
			if !c.isCurrent(gen) {
				continue
			}
			if msg.Kind != TextMessage {
				slog.Debug("Ignoring binary message on control channel", "size", len(msg.Data))
				continue
			}
			c.HandleText(msg.Data)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen && c.state != StateDisconnected {
		slog.Info("Connection lost", "state", c.state)
		c.resetLocked()
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.state != StateDisconnected
}

// resetLocked returns to Disconnected: the request counter starts over and
// anyone waiting on a response is released.
func (c *Client) resetLocked() {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.lastRequestID = 0
	c.connectID = ""
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.setStateLocked(StateDisconnected)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	slog.Debug("Client state changed", "from", c.state, "to", s)
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitForState blocks until the client reaches want or ctx ends.
func (c *Client) WaitForState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.stateChanged
		c.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (currently %s): %w", want, state, ctx.Err())
		}
	}
}

func (c *Client) Transcript() *Transcript { return c.transcript }

func (c *Client) Identity() *identity.Identity { return c.identity }

// OnEvent registers a handler for a gateway event this client does not
// handle itself. Each event runs its handler on a new goroutine, so a
// handler may Call the gateway. Unhandled events fall back to showing any
// readable text.
func (c *Client) OnEvent(event string, handler func(proto.Envelope) error) error {
	if handler == nil {
		return fmt.Errorf("handler must be provided for event %q", event)
	}
	if event == proto.EventConnectChallenge || event == proto.EventChat {
		return fmt.Errorf("event %q is handled by the client", event)
	}
	c.handlerMu.Lock()
	c.eventHandlers[event] = handler
	c.handlerMu.Unlock()
	return nil
}

// HandleText dispatches one inbound text frame. It is called by the receive
// loop, and by a media session that sees text on its own socket.
func (c *Client) HandleText(data []byte) {
	env, err := proto.ParseEnvelope(data)
	if err != nil {
		// Show it rather than lose server output.
		slog.Debug("Unparseable text frame", "error", err, "size", len(data))
		c.transcript.AppendAssistant(string(data))
		return
	}
	slog.Debug("Message received", "type", env.Type, "event", env.Event, "id", env.ID)

	switch env.Type {
	case proto.TypeEvent:
		c.handleEvent(env)
	case proto.TypeResponse:
		c.handleResponse(env)
	default:
		if text, ok := proto.DisplayText(env.Payload); ok {
			c.transcript.AppendAssistant(text)
		} else if text, ok := proto.DisplayText(env.Params); ok {
			c.transcript.AppendAssistant(text)
		} else {
			slog.Warn("Unhandled message", "type", env.Type)
		}
	}
}

func (c *Client) handleEvent(env proto.Envelope) {
	switch env.Event {
	case proto.EventConnectChallenge:
		c.handleChallenge(env)
		return
	case proto.EventChat:
		c.handleChat(env)
		return
	}

	c.handlerMu.RLock()
	handler := c.eventHandlers[env.Event]
	c.handlerMu.RUnlock()
	if handler != nil {
		// handlers may Call back into the gateway, which needs this
		// goroutine free to deliver the response
		go func() {
			if err := handler(env); err != nil {
				slog.Warn("An error occured in event handler", "event", env.Event, "error", err)
			}
		}()
		return
	}

	if text, ok := proto.DisplayText(env.Payload); ok {
		c.transcript.AppendAssistant(text)
		return
	}
	slog.Debug("Ignoring event", "event", env.Event)
}

func (c *Client) handleChat(env proto.Envelope) {
	var chat proto.ChatPayload
	if err := env.ParsePayload(&chat); err != nil {
		slog.Warn("Invalid chat payload", "error", err)
		c.transcript.AppendAssistant(string(env.Payload))
		return
	}
	switch {
	case chat.Content != nil:
		c.transcript.AppendAssistant(*chat.Content)
	case chat.Delta != nil:
		c.transcript.AppendDelta(*chat.Delta)
	default:
		if text, ok := proto.DisplayText(env.Payload); ok {
			c.transcript.AppendAssistant(text)
		}
	}
}

// handleResponse wakes a waiting Call, shows errors, and completes the
// handshake when the connect request is answered. Error responses are
// shown every time they arrive, duplicates included.
func (c *Client) handleResponse(env proto.Envelope) {
	c.mu.Lock()
	if ch, ok := c.waiters[env.ID]; ok {
		ch <- env
		delete(c.waiters, env.ID)
	}

	if env.Error != nil {
		rejected := c.state == StateConnectSent && env.ID == c.connectID
		c.mu.Unlock()
		if rejected {
			slog.Warn("Gateway rejected connect request", "error", env.Error.Message)
		}
		c.transcript.AppendAssistant("Error: " + env.Error.Message)
		return
	}

	if c.state != StateConnectSent || (c.connectID != "" && env.ID != c.connectID) {
		c.mu.Unlock()
		return
	}
	pending := c.authenticatedLocked()
	var flushErr error
	if pending != nil {
		// written before mu is released so no later SendChat overtakes it
		flushErr = c.send(c.nextRequestIDLocked(), proto.MethodChatSend, c.chatParams(*pending))
	}
	c.mu.Unlock()

	slog.Info("Authenticated with gateway", "device_id", c.identity.DeviceID())
	if flushErr != nil {
		slog.Warn("Failed to flush buffered chat message", "error", flushErr)
	}
}

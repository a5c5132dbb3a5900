package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/glassbridge/identity"
	"github.com/mbocsi/glassbridge/proto"
)

const (
	peerKindChat  = "chat"
	peerKindMedia = "media"
)

// Error codes sent in response error objects.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local development gateway
	},
}

func (g *Gateway) handleWebSocket(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.registry.Len() >= g.options.MaxClients {
			slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		queryPassword := r.URL.Query().Get("password")
		// The media socket has no handshake, so the query is its only
		// credential.
		if kind == peerKindMedia && g.options.Password != "" && queryPassword != g.options.Password {
			slog.Warn("Rejected media connection with bad password", "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("Failed to upgrade connection", "error", err)
			return
		}

		peer := NewPeer(conn, kind, r.URL.Path, r.RemoteAddr, g.clock.Now())
		go g.handleConnection(peer, kind, queryPassword)
	}
}

func (g *Gateway) handleConnection(peer *Peer, kind, queryPassword string) {
	slog.Info("WebSocket peer connected", "addr", peer.remoteAddr, "id", peer.id, "path", peer.path)
	g.registry.Store(peer)

	defer func() {
		g.registry.Delete(peer.id)
		peer.conn.Close()
		slog.Info("WebSocket peer disconnected", "addr", peer.remoteAddr, "id", peer.id)
	}()

	if kind == peerKindChat {
		if err := g.sendChallenge(peer); err != nil {
			slog.Warn("Failed to send connect challenge", "id", peer.id, "error", err)
			return
		}
	}

	for {
		messageType, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket connection error", "addr", peer.remoteAddr, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			g.handleText(peer, data, queryPassword)
		case websocket.BinaryMessage:
			g.handleFrame(peer, data)
		}
	}
}

func (g *Gateway) sendChallenge(peer *Peer) error {
	ts := g.clock.Now().UnixMilli()
	challenge := proto.ChallengePayload{Nonce: uuid.NewString(), TS: &ts}

	peer.mu.Lock()
	peer.nonce, peer.challengeTS = challenge.Nonce, ts
	peer.mu.Unlock()

	env, err := proto.NewEvent(proto.EventConnectChallenge, challenge)
	if err != nil {
		return err
	}
	return peer.Send(env)
}

func (g *Gateway) handleText(peer *Peer, data []byte, queryPassword string) {
	env, err := proto.ParseEnvelope(data)
	if err != nil {
		slog.Warn("Invalid JSON message received", "error", err, "data", string(data))
		return
	}
	if env.Type != proto.TypeRequest {
		slog.Debug("Ignoring non-request message", "type", env.Type, "from", peer.id)
		return
	}
	slog.Debug("Request received", "method", env.Method, "id", env.ID, "from", peer.id)

	if env.Method == proto.MethodConnect {
		if err := g.authenticate(peer, env, queryPassword); err != nil {
			slog.Warn("Rejected connect request", "id", peer.id, "error", err)
			g.respondError(peer, env.ID, CodeUnauthorized, err.Error())
			return
		}
		peer.mu.RLock()
		deviceID := peer.deviceID
		peer.mu.RUnlock()
		slog.Info("Peer authenticated", "id", peer.id, "device_id", deviceID)
		g.respond(peer, env.ID, map[string]any{"protocol": proto.ProtocolVersion, "deviceId": deviceID})
		return
	}

	if !peer.Authenticated() {
		g.respondError(peer, env.ID, CodeUnauthorized, "connect first")
		return
	}

	switch env.Method {
	case proto.MethodChatSend:
		g.handleChatSend(peer, env)
	case proto.MethodStatus:
		authenticated := 0
		for _, p := range g.registry.List() {
			if p.Authenticated() {
				authenticated++
			}
		}
		peer.mu.RLock()
		deviceID := peer.deviceID
		peer.mu.RUnlock()
		g.respond(peer, env.ID, proto.StatusPayload{
			Peers:         g.registry.Len(),
			Authenticated: authenticated,
			DeviceID:      deviceID,
			UptimeMillis:  g.clock.Now().Sub(g.started).Milliseconds(),
		})
	default:
		g.respondError(peer, env.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", env.Method))
	}
}

// authenticate checks a connect request against the challenge this peer was
// sent.
func (g *Gateway) authenticate(peer *Peer, env proto.Envelope, queryPassword string) error {
	var params proto.ConnectParams
	if err := env.ParseParams(&params); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.authenticated {
		return errors.New("already authenticated")
	}
	if peer.nonce == "" || params.Device.Nonce != peer.nonce {
		return errors.New("nonce does not match challenge")
	}
	skew := g.clock.Now().UnixMilli() - params.Device.SignedAt
	if skew < 0 {
		skew = -skew
	}
	if params.Device.SignedAt != peer.challengeTS && skew > g.options.MaxSkew.Milliseconds() {
		return errors.New("signature timestamp outside allowed window")
	}
	if err := identity.VerifyChallenge(params.Device.PublicKey, params.Device.ID,
		params.Device.Nonce, params.Device.SignedAt, params.Device.Signature); err != nil {
		return err
	}
	if pw := g.options.Password; pw != "" && queryPassword != pw && params.Auth.Password != pw {
		return errors.New("invalid password")
	}

	peer.authenticated = true
	peer.deviceID = params.Device.ID
	peer.platform = params.Client.Platform
	// a nonce is good for one connect
	peer.nonce = ""
	return nil
}

func (g *Gateway) handleChatSend(peer *Peer, env proto.Envelope) {
	var params proto.ChatSendParams
	if err := env.ParseParams(&params); err != nil || params.Message == "" {
		g.respondError(peer, env.ID, CodeInvalidRequest, "chat.send requires a message")
		return
	}
	peer.chatMessages.Add(1)
	g.respond(peer, env.ID, map[string]any{"runId": params.IdempotencyKey, "status": "started"})

	for _, chunk := range g.options.Reply(params.Message) {
		delta := chunk
		event, err := proto.NewEvent(proto.EventChat, proto.ChatPayload{Delta: &delta})
		if err != nil {
			slog.Error("Failed to build chat event", "error", err)
			return
		}
		if err := peer.Send(event); err != nil {
			slog.Warn("Failed to stream chat reply", "id", peer.id, "error", err)
			return
		}
	}
}

// handleFrame counts uplink media and loops audio back as if it were
// synthesized speech.
func (g *Gateway) handleFrame(peer *Peer, data []byte) {
	frame, err := proto.DecodeFrame(data)
	if err != nil {
		slog.Warn("Invalid binary frame", "from", peer.id, "error", err)
		return
	}
	switch frame.Type {
	case proto.FrameAudio:
		peer.audioFrames.Add(1)
		if err := peer.SendBinary(frame.Payload); err != nil {
			slog.Warn("Failed to loop back audio", "id", peer.id, "error", err)
		}
	case proto.FrameVideo:
		n := peer.videoFrames.Add(1)
		slog.Debug("Video frame received", "from", peer.id, "size", len(frame.Payload), "count", n)
	}
}

func (g *Gateway) respond(peer *Peer, id proto.RequestID, payload any) {
	env, err := proto.NewResponse(id, payload, nil)
	if err != nil {
		slog.Error("Failed to build response", "error", err)
		return
	}
	if err := peer.Send(env); err != nil {
		slog.Warn("Failed to send response", "id", peer.id, "error", err)
	}
}

func (g *Gateway) respondError(peer *Peer, id proto.RequestID, code, message string) {
	env, err := proto.NewResponse(id, nil, &proto.ErrorShape{Code: code, Message: message})
	if err != nil {
		slog.Error("Failed to build response", "error", err)
		return
	}
	if err := peer.Send(env); err != nil {
		slog.Warn("Failed to send response", "id", peer.id, "error", err)
	}
}

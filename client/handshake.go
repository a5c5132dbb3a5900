package client

import (
	"log/slog"

	"github.com/mbocsi/glassbridge/proto"
)

// handleChallenge answers connect.challenge with a signed connect request.
// The signature covers the gateway's own timestamp so a replay outside its
// window fails; without one we sign with the local clock and say so.
func (c *Client) handleChallenge(env proto.Envelope) {
	var challenge proto.ChallengePayload
	if err := env.ParsePayload(&challenge); err != nil || challenge.Nonce == "" {
		slog.Warn("Invalid connect challenge", "error", err, "payload", string(env.Payload))
		c.transcript.AppendAssistant("Error: invalid connect challenge from gateway")
		return
	}

	c.mu.Lock()
	if c.state != StateAwaitingChallenge {
		state := c.state
		c.mu.Unlock()
		slog.Warn("Ignoring connect challenge", "state", state)
		return
	}

	var signedAt int64
	if challenge.TS != nil {
		signedAt = *challenge.TS
	} else {
		signedAt = c.clock.Now().UnixMilli()
		slog.Warn("Connect challenge has no server timestamp, signing with local clock", "signed_at", signedAt)
	}

	id := c.nextRequestIDLocked()
	req, err := proto.NewRequest(id, proto.MethodConnect, c.connectParams(challenge.Nonce, signedAt))
	if err != nil {
		c.mu.Unlock()
		slog.Error("Failed to build connect request", "error", err)
		return
	}
	// ConnectSent before the bytes leave, so a fast response finds us ready.
	c.connectID = id
	c.setStateLocked(StateConnectSent)
	c.mu.Unlock()

	data, err := req.Marshal()
	if err != nil {
		slog.Error("Failed to marshal connect request", "error", err)
		return
	}
	slog.Info("Sending connect request", "id", id, "device_id", c.identity.DeviceID(), "signed_at", signedAt)
	if err := c.transport.SendText(string(data)); err != nil {
		slog.Warn("Failed to send connect request", "error", err)
	}
}

func (c *Client) connectParams(nonce string, signedAt int64) proto.ConnectParams {
	return proto.ConnectParams{
		MinProtocol: proto.ProtocolVersion,
		MaxProtocol: proto.ProtocolVersion,
		Client: proto.ClientInfo{
			ID:       proto.ClientID,
			Version:  proto.ClientVersion,
			Platform: c.cfg.Platform,
			Mode:     proto.ClientMode,
		},
		Device: proto.DeviceAuth{
			ID:        c.identity.DeviceID(),
			PublicKey: c.identity.PublicKeyBase64(),
			Signature: c.identity.SignChallenge(nonce, signedAt),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
		Role:   proto.RoleOperator,
		Scopes: []string{},
		Caps:   []string{},
		Auth:   proto.AuthInfo{Password: c.cfg.Endpoint.Password},
	}
}

// authenticatedLocked moves to Authenticated and hands back the buffered
// chat message, if any, for the caller to send outside the lock.
func (c *Client) authenticatedLocked() *string {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.setStateLocked(StateAuthenticated)
	pending := c.pendingText
	c.pendingText = nil
	return pending
}

func (c *Client) handshakeExpired(gen uint64) {
	// checked and torn down under one lock so a connect response handled
	// in between cannot be undone
	c.mu.Lock()
	state := c.state
	if c.generation != gen || (state != StateAwaitingChallenge && state != StateConnectSent) {
		c.mu.Unlock()
		return
	}
	c.transport.Disconnect()
	c.resetLocked()
	c.mu.Unlock()

	slog.Warn("Handshake timed out", "state", state, "timeout", c.cfg.HandshakeTimeout)
	c.transcript.AppendAssistant("Error: handshake timed out")
}

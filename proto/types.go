package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope types
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Methods
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
	MethodStatus   = "status"
)

// Events pushed by the gateway
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
)

// Handshake constants. The client id, mode and role also appear in the
// signed challenge payload, so changing them changes the signature.
const (
	ProtocolVersion = 3
	ClientID        = "cli"
	ClientVersion   = "1.0.0"
	ClientMode      = "cli"
	RoleOperator    = "operator"
)

type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    *int64 `json:"ts,omitempty"` // server clock in unix millis; optional
}

type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Device      DeviceAuth `json:"device"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Caps        []string   `json:"caps"`
	Auth        AuthInfo   `json:"auth"`
}

type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type DeviceAuth struct {
	ID        string `json:"id"`        // hex sha256 of the public key
	PublicKey string `json:"publicKey"` // base64url, no padding
	Signature string `json:"signature"` // base64url, no padding
	SignedAt  int64  `json:"signedAt"`  // unix millis used in the signed payload
	Nonce     string `json:"nonce"`
}

type AuthInfo struct {
	Password string `json:"password"`
}

// Validate checks the fields a gateway needs before it can verify the
// signature.
func (p *ConnectParams) Validate() error {
	if p.MinProtocol > p.MaxProtocol {
		return fmt.Errorf("minProtocol %d exceeds maxProtocol %d", p.MinProtocol, p.MaxProtocol)
	}
	if p.MinProtocol > ProtocolVersion || p.MaxProtocol < ProtocolVersion {
		return fmt.Errorf("protocol range [%d,%d] does not include %d", p.MinProtocol, p.MaxProtocol, ProtocolVersion)
	}
	if strings.TrimSpace(p.Device.ID) == "" {
		return errors.New("device id is required")
	}
	if p.Device.PublicKey == "" || p.Device.Signature == "" {
		return errors.New("device public key and signature are required")
	}
	if p.Device.Nonce == "" {
		return errors.New("device nonce is required")
	}
	return nil
}

type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// StatusPayload is the gateway's answer to a status request.
type StatusPayload struct {
	Peers         int    `json:"peers"`
	Authenticated int    `json:"authenticated"`
	DeviceID      string `json:"deviceId,omitempty"`
	UptimeMillis  int64  `json:"uptimeMs"`
}

// ChatPayload carries either a complete message or a streaming fragment.
type ChatPayload struct {
	Content *string `json:"content,omitempty"`
	Delta   *string `json:"delta,omitempty"`
}

// Package identity holds the per-installation signing key the gateway uses
// to recognise this device across sessions, and the challenge signing
// contract of the connect handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mbocsi/glassbridge/proto"
)

const challengeVersion = "v2"

type Identity struct {
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
	deviceID string
}

// New builds an Identity from an existing private key.
func New(private ed25519.PrivateKey) (*Identity, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	public := private.Public().(ed25519.PublicKey)
	return &Identity{private: private, public: public, deviceID: DeviceIDFor(public)}, nil
}

func Generate() (*Identity, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return New(private)
}

// LoadOrCreate returns the identity saved under service/account, creating
// and saving a fresh one when nothing usable is stored. A lost or damaged
// key is not an error: the device simply gets a new id and the gateway has
// to register it again. created reports whether that happened.
func LoadOrCreate(store KeyStore, service, account string) (id *Identity, created bool, err error) {
	stored, loadErr := store.Load(service, account)
	if loadErr == nil {
		id, err := New(ed25519.PrivateKey(stored))
		if err == nil {
			return id, false, nil
		}
		loadErr = err
	}
	if errors.Is(loadErr, ErrKeyNotFound) {
		slog.Info("No device key stored, generating one", "service", service, "account", account)
	} else {
		slog.Warn("Stored device key unusable, generating a new one", "service", service, "account", account, "error", loadErr)
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := store.Save(service, account, id.private); err != nil {
		slog.Warn("Failed to persist device key; identity will not survive restart", "error", err)
	}
	slog.Info("Created device identity", "device_id", id.deviceID)
	return id, true, nil
}

func (i *Identity) DeviceID() string { return i.deviceID }

func (i *Identity) PublicKey() ed25519.PublicKey { return i.public }

func (i *Identity) PublicKeyBase64() string {
	return EncodeBase64URL(i.public)
}

// SignChallenge signs the canonical challenge payload and returns the
// signature in base64url without padding.
func (i *Identity) SignChallenge(nonce string, signedAtMillis int64) string {
	payload := ChallengePayload(i.deviceID, nonce, signedAtMillis)
	return EncodeBase64URL(ed25519.Sign(i.private, []byte(payload)))
}

// DeviceIDFor is the lowercase hex SHA-256 of the raw public key.
func DeviceIDFor(public ed25519.PublicKey) string {
	sum := sha256.Sum256(public)
	return hex.EncodeToString(sum[:])
}

// ChallengePayload is the exact string both sides sign and verify:
// version|device|client id|client mode|role|scopes|signedAt|token|nonce.
// This client never requests scopes and carries no token, so those fields
// are empty.
func ChallengePayload(deviceID, nonce string, signedAtMillis int64) string {
	return strings.Join([]string{
		challengeVersion,
		deviceID,
		proto.ClientID,
		proto.ClientMode,
		proto.RoleOperator,
		"",
		strconv.FormatInt(signedAtMillis, 10),
		"",
		nonce,
	}, "|")
}

// VerifyChallenge is the gateway side of SignChallenge. It checks that the
// public key belongs to deviceID and that the signature covers the payload.
func VerifyChallenge(publicKeyB64, deviceID, nonce string, signedAtMillis int64, signatureB64 string) error {
	public, err := DecodeBase64URL(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	if len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has %d bytes, want %d", len(public), ed25519.PublicKeySize)
	}
	if got := DeviceIDFor(public); got != deviceID {
		return fmt.Errorf("device id %s does not match public key (%s)", deviceID, got)
	}
	sig, err := DecodeBase64URL(signatureB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	payload := ChallengePayload(deviceID, nonce, signedAtMillis)
	if !ed25519.Verify(public, []byte(payload), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// EncodeBase64URL never emits '+', '/' or '='.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts input with or without trailing padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fixedIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := New(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return id
}

func TestChallengePayload_ByteExact(t *testing.T) {
	got := ChallengePayload("3f1c9a", "abc123", 1700000000000)
	want := "v2|3f1c9a|cli|cli|operator||1700000000000||abc123"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestDeviceID_IsHexSHA256OfPublicKey(t *testing.T) {
	id := fixedIdentity(t)
	sum := sha256.Sum256(id.PublicKey())
	want := hex.EncodeToString(sum[:])
	if id.DeviceID() != want {
		t.Errorf("Expected device id %s, got %s", want, id.DeviceID())
	}
	if strings.ToLower(id.DeviceID()) != id.DeviceID() {
		t.Error("Expected lowercase hex device id")
	}
	if len(id.DeviceID()) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(id.DeviceID()))
	}
}

func TestSignChallenge_Verifies(t *testing.T) {
	id := fixedIdentity(t)
	sig := id.SignChallenge("n1", 1000)

	if strings.ContainsAny(sig, "+/=") {
		t.Errorf("Signature is not unpadded base64url: %s", sig)
	}
	if err := VerifyChallenge(id.PublicKeyBase64(), id.DeviceID(), "n1", 1000, sig); err != nil {
		t.Errorf("Expected signature to verify, got %v", err)
	}
	if err := VerifyChallenge(id.PublicKeyBase64(), id.DeviceID(), "n1", 1001, sig); err == nil {
		t.Error("Expected verification to fail for a different timestamp")
	}
	if err := VerifyChallenge(id.PublicKeyBase64(), id.DeviceID(), "n2", 1000, sig); err == nil {
		t.Error("Expected verification to fail for a different nonce")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := VerifyChallenge(other.PublicKeyBase64(), id.DeviceID(), "n1", 1000, sig); err == nil {
		t.Error("Expected verification to fail when the key does not match the device id")
	}
}

func TestSignChallenge_Deterministic(t *testing.T) {
	id := fixedIdentity(t)
	if id.SignChallenge("abc123", 1700000000000) != id.SignChallenge("abc123", 1700000000000) {
		t.Error("Ed25519 signatures over the same payload should be identical")
	}
}

func TestBase64URL_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		b := make([]byte, r.Intn(97))
		r.Read(b)

		enc := EncodeBase64URL(b)
		if strings.ContainsAny(enc, "+/=") {
			t.Fatalf("Encoding of %x contains forbidden characters: %s", b, enc)
		}
		dec, err := DecodeBase64URL(enc)
		if err != nil {
			t.Fatalf("Decode(%s): %v", enc, err)
		}
		if !bytes.Equal(dec, b) {
			t.Fatalf("Round trip mismatch: %x vs %x", dec, b)
		}
		if EncodeBase64URL(dec) != enc {
			t.Fatalf("Re-encoding changed output for %x", b)
		}
	}
}

func TestDecodeBase64URL_AcceptsPadding(t *testing.T) {
	dec, err := DecodeBase64URL("YQ==")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(dec) != "a" {
		t.Errorf("Expected \"a\", got %q", dec)
	}
}

func TestLoadOrCreate_PersistsAcrossRuns(t *testing.T) {
	store := NewFileKeyStore(t.TempDir())

	first, created, err := LoadOrCreate(store, "glassbridge", "device")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("Expected a new identity on first run")
	}

	second, created, err := LoadOrCreate(store, "glassbridge", "device")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if created {
		t.Error("Expected the stored identity to be reused")
	}
	if first.DeviceID() != second.DeviceID() {
		t.Errorf("Expected device id %s, got %s", first.DeviceID(), second.DeviceID())
	}
}

func TestLoadOrCreate_CorruptKeyIsReplaced(t *testing.T) {
	dir := t.TempDir()
	store := NewFileKeyStore(dir)
	if err := store.Save("glassbridge", "device", []byte("short")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	id, created, err := LoadOrCreate(store, "glassbridge", "device")
	if err != nil {
		t.Fatalf("Expected corruption to be non-fatal, got %v", err)
	}
	if !created || id == nil {
		t.Fatal("Expected a fresh identity")
	}

	stored, err := store.Load("glassbridge", "device")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored) != ed25519.PrivateKeySize {
		t.Errorf("Expected replacement key to be saved, got %d bytes", len(stored))
	}
}

func TestFileKeyStore_Permissions(t *testing.T) {
	dir := t.TempDir()
	store := NewFileKeyStore(dir)
	if err := store.Save("svc", "acct", []byte("secret")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "svc", "acct.key"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected 0600 key file, got %o", perm)
	}

	if _, err := store.Load("svc", "missing"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if err := store.Save("../escape", "acct", []byte("x")); err == nil {
		t.Error("Expected error for path traversal in service name")
	}
}

func TestMemoryKeyStore(t *testing.T) {
	store := NewMemoryKeyStore()
	if _, err := store.Load("a", "b"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	key := []byte{1, 2, 3}
	store.Save("a", "b", key)
	key[0] = 9

	got, err := store.Load("a", "b")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("Expected stored copy to be unaffected by caller mutation, got %v", got)
	}
}

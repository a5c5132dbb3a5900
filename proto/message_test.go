package proto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEnvelope_Response(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"res","id":7,"ok":false,"error":{"message":"bad password"}}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if env.Type != TypeResponse {
		t.Errorf("Expected type res, got %s", env.Type)
	}
	if env.ID != "7" {
		t.Errorf("Expected numeric id to decode as \"7\", got %q", env.ID)
	}
	if env.OK == nil || *env.OK {
		t.Error("Expected ok=false")
	}
	if env.Error == nil || env.Error.Message != "bad password" {
		t.Errorf("Expected error message, got %+v", env.Error)
	}
}

func TestParseEnvelope_StringID(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"res","id":"12","ok":true}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if env.ID != "12" {
		t.Errorf("Expected id 12, got %q", env.ID)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	for _, raw := range []string{`hello`, `[1,2]`, `{"event":"chat"}`, ``} {
		if _, err := ParseEnvelope([]byte(raw)); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestNewRequest_WireShape(t *testing.T) {
	env, err := NewRequest(FormatRequestID(3), MethodChatSend, ChatSendParams{
		SessionKey:     "main",
		Message:        "hi",
		IdempotencyKey: "k",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := map[string]any{
		"type":   "req",
		"id":     "3",
		"method": "chat.send",
		"params": map[string]any{
			"sessionKey":     "main",
			"message":        "hi",
			"idempotencyKey": "k",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Request mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectParams_EmptyListsMarshalAsArrays(t *testing.T) {
	params := ConnectParams{MinProtocol: 3, MaxProtocol: 3, Scopes: []string{}, Caps: []string{}}
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Contains(data, []byte(`"scopes":[]`)) || !bytes.Contains(data, []byte(`"caps":[]`)) {
		t.Errorf("Expected empty arrays, got %s", data)
	}
}

func TestConnectParams_Validate(t *testing.T) {
	valid := ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Device:      DeviceAuth{ID: "abc", PublicKey: "pk", Signature: "sig", Nonce: "n"},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid params, got %v", err)
	}

	noNonce := valid
	noNonce.Device.Nonce = ""
	if err := noNonce.Validate(); err == nil {
		t.Error("Expected error for missing nonce")
	}

	oldProtocol := valid
	oldProtocol.MinProtocol, oldProtocol.MaxProtocol = 1, 2
	if err := oldProtocol.Validate(); err == nil {
		t.Error("Expected error for protocol range without 3")
	}
}

func TestDisplayText_Priority(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`{"content":"c","message":"m","text":"t"}`, "t", true},
		{`{"content":"c","message":"m"}`, "m", true},
		{`{"content":"c"}`, "c", true},
		{`{"text":5,"content":"c"}`, "c", true},
		{`{"other":"x"}`, "", false},
		{`"just a string"`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		got, ok := DisplayText(json.RawMessage(tt.raw))
		if got != tt.want || ok != tt.ok {
			t.Errorf("DisplayText(%s) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFrame_EncodeDecode(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0x00}
	data := Frame{Type: FrameVideo, Payload: payload}.Encode()
	if data[0] != 0x02 {
		t.Errorf("Expected video tag 0x02, got 0x%02x", data[0])
	}
	if !bytes.Equal(data[1:], payload) {
		t.Errorf("Expected payload %x, got %x", payload, data[1:])
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if frame.Type != FrameVideo || !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Unexpected decoded frame %+v", frame)
	}

	audio := Frame{Type: FrameAudio}.Encode()
	if len(audio) != 1 || audio[0] != 0x01 {
		t.Errorf("Expected single audio tag byte, got %x", audio)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	if _, err := DecodeFrame(nil); err != ErrEmptyFrame {
		t.Errorf("Expected ErrEmptyFrame, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0x09, 1}); err == nil {
		t.Error("Expected error for unknown tag")
	}
}

package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type Envelope struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      RequestID       `json:"id,omitempty"`      // correlation id, set on req and res
	Method  string          `json:"method,omitempty"`  // req only
	Params  json.RawMessage `json:"params,omitempty"`  // req only
	OK      *bool           `json:"ok,omitempty"`      // res only
	Payload json.RawMessage `json:"payload,omitempty"` // res and event
	Error   *ErrorShape     `json:"error,omitempty"`   // res only, present when the request failed
	Event   string          `json:"event,omitempty"`   // event name
}

type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RequestID is sent as a JSON string. Gateways have been seen echoing it back
// as a bare number, so decoding accepts both.
type RequestID string

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or number: %w", err)
	}
	*id = RequestID(n.String())
	return nil
}

func FormatRequestID(n uint64) RequestID {
	return RequestID(strconv.FormatUint(n, 10))
}

func NewRequest(id RequestID, method string, params any) (Envelope, error) {
	raw, err := marshalObject(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Envelope{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

func NewResponse(id RequestID, payload any, respErr *ErrorShape) (Envelope, error) {
	ok := respErr == nil
	env := Envelope{Type: TypeResponse, ID: id, OK: &ok, Error: respErr}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal response payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

func NewEvent(name string, payload any) (Envelope, error) {
	raw, err := marshalObject(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Envelope{Type: TypeEvent, Event: name, Payload: raw}, nil
}

// ParseEnvelope decodes a text frame. Frames that are not a JSON object or
// lack a type discriminator are rejected so callers can fall back to showing
// them verbatim.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing type")
	}
	return env, nil
}

// Marshal serializes the envelope to JSON bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParsePayload unmarshals the payload into the given target.
func (e Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, target)
}

// ParseParams unmarshals the params into the given target.
func (e Envelope) ParseParams(target any) error {
	if len(e.Params) == 0 {
		return fmt.Errorf("envelope has no params")
	}
	return json.Unmarshal(e.Params, target)
}

// DisplayText looks for something a person can read in a loosely shaped
// object, trying "text", then "message", then "content". Only string values
// count.
func DisplayText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	for _, key := range []string{"text", "message", "content"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

func marshalObject(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(v)
}

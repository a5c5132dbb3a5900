package proto

import (
	"errors"
	"fmt"
)

// FrameType is the single leading byte of every binary websocket message on
// the media channel. The rest of the message is the raw payload; the
// websocket layer already delimits messages so there is no length field.
type FrameType byte

const (
	FrameAudio FrameType = 0x01 // PCM audio, uplink microphone or downlink speech
	FrameVideo FrameType = 0x02 // JPEG still frame, uplink only
)

var ErrEmptyFrame = errors.New("empty binary frame")

func (t FrameType) String() string {
	switch t {
	case FrameAudio:
		return "audio"
	case FrameVideo:
		return "video"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

func (t FrameType) Valid() bool {
	return t == FrameAudio || t == FrameVideo
}

type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode returns a fresh buffer holding the tag byte followed by the payload.
func (f Frame) Encode() []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Type)
	copy(out[1:], f.Payload)
	return out
}

// DecodeFrame splits a binary message into tag and payload. The payload
// aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	t := FrameType(data[0])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("unknown frame type 0x%02x", data[0])
	}
	return Frame{Type: t, Payload: data[1:]}, nil
}

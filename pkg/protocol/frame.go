package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest text frame accepted by either side (1 MB).
	// Media payloads travel inline as data URLs, so this is generous on purpose.
	MaxFrameSize = 1024 * 1024
)

var (
	ErrUnknownType    = errors.New("unknown event type")
	ErrMissingType    = errors.New("frame has no type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// envelope is the common header of every frame: {"type": "...", ...fields}.
type envelope struct {
	Type string `json:"type"`
}

// Event is anything that can travel in a frame.
type Event interface {
	EventType() string
}

// Encode serializes an event as a tagged envelope. The type tag is always the
// first field so frames are easy to eyeball in logs.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.EventType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode to an object", ErrMalformedFrame, ev.EventType())
	}

	tag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the type tag of a frame without decoding the rest.
func PeekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// DecodeClientEvent parses a frame sent by a client.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	ev := newClientEvent(t)
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, t, err)
	}
	return ev, nil
}

// DecodeServerEvent parses a frame sent by the server.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	ev := newServerEvent(t)
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, t, err)
	}
	return ev, nil
}

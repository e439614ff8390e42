// ABOUTME: Frame type and textual codec for the zencelium relay protocol.
// ABOUTME: Frames are self-describing JSON records with kind, name, uuid, data and meta.

package frame

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedFrame is returned when a wire payload cannot be decoded into a
// well-formed frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind identifies the category of a frame and selects the handler table used
// to dispatch it.
type Kind string

// Frame kinds understood by the relay.
const (
	KindCommand  Kind = "command"
	KindEvent    Kind = "event"
	KindMessage  Kind = "message"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Valid reports whether k is one of the five frame kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindEvent, KindMessage, KindRequest, KindResponse:
		return true
	}
	return false
}

// Frame is one application message. UUID is a correlation id: replies carry
// the uuid of the frame they answer. Data is the structured payload; Meta is
// free-form key/value context filled in by the relay (source, timestamp,
// target space).
type Frame struct {
	Kind Kind           `json:"kind"`
	Name string         `json:"name"`
	UUID string         `json:"uuid,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// New creates a frame of the given kind and name with a fresh correlation uuid.
func New(kind Kind, name string, data map[string]any) *Frame {
	return &Frame{
		Kind: kind,
		Name: name,
		UUID: NewUUID(),
		Data: data,
	}
}

// NewUUID returns a 32 character lowercase hex identifier.
func NewUUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Decode parses a wire payload into a frame. Payloads that are not valid JSON,
// carry an unknown structure, or are missing kind or name yield ErrMalformedFrame.
func Decode(payload []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformedFrame)
	}
	return &f, nil
}

// Encode serializes the frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Size returns the encoded length of the frame in bytes.
func (f *Frame) Size() (int, error) {
	b, err := f.Encode()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Reply derives an answer to f. Commands reply with commands, requests yield
// responses, every other kind replies in kind. The reply inherits f's
// correlation uuid so the sender can match it; meta is never inherited, the
// relaying component fills it in.
func (f *Frame) Reply(name string, data map[string]any) *Frame {
	kind := f.Kind
	if kind == KindRequest {
		kind = KindResponse
	}
	return &Frame{
		Kind: kind,
		Name: name,
		UUID: f.UUID,
		Data: data,
	}
}

// ClearCorrelation removes the frame's correlation uuid.
func (f *Frame) ClearCorrelation() {
	f.UUID = ""
}

// SetMeta stores value under key in the frame's meta record, allocating the
// record on first use. Existing keys are overwritten.
func (f *Frame) SetMeta(key string, value any) {
	if f.Meta == nil {
		f.Meta = make(map[string]any)
	}
	f.Meta[key] = value
}

// DataString returns the string stored under key in data, or "" if absent or
// not a string.
func (f *Frame) DataString(key string) string {
	s, _ := f.Data[key].(string)
	return s
}

// Clone returns a deep-enough copy of the frame: the data and meta maps are
// copied one level deep so the relay can augment meta without mutating the
// caller's frame.
func (f *Frame) Clone() *Frame {
	c := &Frame{
		Kind: f.Kind,
		Name: f.Name,
		UUID: f.UUID,
	}
	if f.Data != nil {
		c.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			c.Data[k] = v
		}
	}
	if f.Meta != nil {
		c.Meta = make(map[string]any, len(f.Meta))
		for k, v := range f.Meta {
			c.Meta[k] = v
		}
	}
	return c
}

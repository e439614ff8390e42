// ABOUTME: Tests for the frame codec and reply derivation.
// ABOUTME: Covers round-trips, malformed payloads, correlation and meta handling.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	f := New(KindEvent, "ping", map[string]any{"n": float64(1)})
	f.SetMeta("source", map[string]any{"name": "alice"})

	encoded, err := f.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not a frame"},
		{"wrong shape", `[1, 2, 3]`},
		{"missing kind", `{"name": "ping"}`},
		{"missing name", `{"kind": "event"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_UnknownKindPasses(t *testing.T) {
	// The codec only requires kind and name to be present; kind validation
	// is the dispatcher's job so it can fail the connection explicitly.
	f, err := Decode([]byte(`{"kind": "gossip", "name": "hello"}`))
	require.NoError(t, err)
	assert.False(t, f.Kind.Valid())
}

func TestReply_PreservesCorrelation(t *testing.T) {
	origin := New(KindCommand, "login", map[string]any{"token": "T"})

	reply := origin.Reply("login-ok", nil)
	assert.Equal(t, origin.UUID, reply.UUID)
	assert.Equal(t, KindCommand, reply.Kind)
	assert.Equal(t, "login-ok", reply.Name)
}

func TestReply_RequestYieldsResponse(t *testing.T) {
	req := New(KindRequest, "status", nil)

	resp := req.Reply("status", map[string]any{"ok": true})
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.UUID, resp.UUID)
}

func TestReply_DoesNotInheritMeta(t *testing.T) {
	origin := New(KindCommand, "join", nil)
	origin.SetMeta("spaces", "x,y")

	reply := origin.Reply("join-ok", nil)
	assert.Nil(t, reply.Meta)
}

func TestClearCorrelation(t *testing.T) {
	f := New(KindMessage, "hello", nil)
	require.NotEmpty(t, f.UUID)

	f.ClearCorrelation()
	assert.Empty(t, f.UUID)
}

func TestSetMeta_Overwrites(t *testing.T) {
	f := New(KindEvent, "ping", nil)
	f.SetMeta("timestamp", "old")
	f.SetMeta("timestamp", "new")
	assert.Equal(t, "new", f.Meta["timestamp"])
}

func TestClone_IndependentMaps(t *testing.T) {
	f := New(KindEvent, "ping", map[string]any{"n": 1})
	f.SetMeta("source", "alice")

	c := f.Clone()
	c.Data["n"] = 2
	c.SetMeta("source", "bob")

	assert.Equal(t, 1, f.Data["n"])
	assert.Equal(t, "alice", f.Meta["source"])
}

func TestNewUUID_HexFormat(t *testing.T) {
	id := NewUUID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
}

func TestSize(t *testing.T) {
	f := &Frame{Kind: KindEvent, Name: "ping"}
	n, err := f.Size()
	require.NoError(t, err)

	encoded, err := f.Encode()
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
}

package protocol_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watzon/sellia/internal/protocol"
)

func roundTrip[T any](t *testing.T, typ protocol.Type, payload T) T {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)

	gotType, err := protocol.PeekType(frame)
	require.NoError(t, err)
	assert.Equal(t, typ, gotType)

	var out T
	require.NoError(t, protocol.Decode(frame, &out))
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("auth", func(t *testing.T) {
		in := protocol.Auth{APIKey: "key-123"}
		out := roundTrip(t, protocol.TypeAuth, in)
		assert.Equal(t, in, out)
	})

	t.Run("tunnel_open", func(t *testing.T) {
		in := protocol.TunnelOpen{TunnelType: "http", LocalPort: 3000, Subdomain: "foo"}
		out := roundTrip(t, protocol.TypeTunnelOpen, in)
		assert.Equal(t, in, out)
	})

	t.Run("request_start with headers", func(t *testing.T) {
		in := protocol.RequestStart{
			RequestID: "r1",
			TunnelID:  "t1",
			Method:    "GET",
			Path:      "/",
			Headers:   protocol.Header{"Accept": {"text/plain", "*/*"}},
		}
		out := roundTrip(t, protocol.TypeRequestStart, in)
		assert.Equal(t, in, out)
	})

	t.Run("request_body final is always present", func(t *testing.T) {
		in := protocol.RequestBody{RequestID: "r1", Chunk: []byte("hello"), Final: true}
		out := roundTrip(t, protocol.TypeRequestBody, in)
		assert.True(t, out.Final)
		assert.Equal(t, in.Chunk, out.Chunk)
	})

	t.Run("websocket_frame preserves opcode and arbitrary bytes", func(t *testing.T) {
		payload := make([]byte, 20*1024)
		for i := range payload {
			payload[i] = byte(i % 256)
		}
		in := protocol.WebSocketFrame{RequestID: "r1", Opcode: protocol.OpcodeBinary, Payload: payload}
		out := roundTrip(t, protocol.TypeWebSocketFrame, in)
		assert.Equal(t, in.Opcode, out.Opcode)
		assert.Equal(t, in.Payload, out.Payload)
	})

	t.Run("ping/pong echo", func(t *testing.T) {
		in := protocol.Ping{Timestamp: 1234567890}
		out := roundTrip(t, protocol.TypePing, in)
		assert.Equal(t, in.Timestamp, out.Timestamp)
	})
}

func TestDecodeUnknownType(t *testing.T) {
	frame, err := protocol.Encode(protocol.TypeAuth, protocol.Auth{APIKey: "x"})
	require.NoError(t, err)

	// Corrupting the type requires re-encoding the envelope directly;
	// easiest path here is to decode a well-formed frame of the wrong
	// declared type against PeekType's known-set check instead.
	_, err = protocol.PeekType(frame)
	require.NoError(t, err)

	var bogus protocol.Message
	bogus.Type = "not_a_real_type"
	bogus.Payload = []byte{}
	raw, encErr := protocol.Encode(bogus.Type, struct{}{})
	require.NoError(t, encErr)
	_, err = protocol.PeekType(raw)
	assert.True(t, errors.Is(err, protocol.ErrUnknownType))
}

func TestHeaderRoundTripsWithHTTPHeader(t *testing.T) {
	h := http.Header{}
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")

	wire := protocol.FromHTTPHeader(h)
	back := wire.ToHTTPHeader()
	assert.ElementsMatch(t, h["X-Foo"], back["X-Foo"])
}

func TestAuthValidateRequiresAPIKey(t *testing.T) {
	assert.Error(t, protocol.Auth{}.Validate())
	assert.NoError(t, protocol.Auth{APIKey: "k"}.Validate())
}

func TestTunnelOpenValidateRequiresType(t *testing.T) {
	assert.Error(t, protocol.TunnelOpen{}.Validate())
	assert.NoError(t, protocol.TunnelOpen{TunnelType: "http"}.Validate())
}

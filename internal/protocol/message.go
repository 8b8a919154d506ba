// Package protocol implements the tagged binary message set exchanged
// across a tunnel control channel. Every variant is CBOR-encoded
// (github.com/fxamacker/cbor/v2); a Message is the envelope carrying a
// string type discriminator and the CBOR-encoded bytes of the concrete
// payload, mirroring a JSON-RawMessage style envelope but over a binary,
// self-describing codec.
package protocol

import (
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"
)

// Type is the string discriminator carried by every message.
type Type string

const (
	TypeAuth                Type = "auth"
	TypeAuthOK              Type = "auth_ok"
	TypeAuthError           Type = "auth_error"
	TypeTunnelOpen          Type = "tunnel_open"
	TypeTunnelReady         Type = "tunnel_ready"
	TypeTunnelClose         Type = "tunnel_close"
	TypeRequestStart        Type = "request_start"
	TypeRequestBody         Type = "request_body"
	TypeResponseStart       Type = "response_start"
	TypeResponseBody        Type = "response_body"
	TypeResponseEnd         Type = "response_end"
	TypeWebSocketUpgrade    Type = "websocket_upgrade"
	TypeWebSocketUpgradeOK  Type = "websocket_upgrade_ok"
	TypeWebSocketUpgradeErr Type = "websocket_upgrade_error"
	TypeWebSocketFrame      Type = "websocket_frame"
	TypeWebSocketClose      Type = "websocket_close"
	TypePing                Type = "ping"
	TypePong                Type = "pong"
)

// knownTypes is the closed set accepted by Decode; anything else fails
// with ErrUnknownType.
var knownTypes = map[Type]bool{
	TypeAuth: true, TypeAuthOK: true, TypeAuthError: true,
	TypeTunnelOpen: true, TypeTunnelReady: true, TypeTunnelClose: true,
	TypeRequestStart: true, TypeRequestBody: true,
	TypeResponseStart: true, TypeResponseBody: true, TypeResponseEnd: true,
	TypeWebSocketUpgrade: true, TypeWebSocketUpgradeOK: true, TypeWebSocketUpgradeErr: true,
	TypeWebSocketFrame: true, TypeWebSocketClose: true,
	TypePing: true, TypePong: true,
}

// Message is the envelope placed on one control-channel binary WebSocket
// frame. Payload is itself CBOR-encoded bytes of the concrete payload
// struct for Type, so routing never requires decoding the full payload.
type Message struct {
	Type    Type   `cbor:"type"`
	Payload []byte `cbor:"payload"`
}

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Encode serializes a payload struct into a Message carrying the given
// type, ready to be written as a single binary WebSocket frame.
func Encode(t Type, payload any) ([]byte, error) {
	inner, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	out, err := encMode.Marshal(Message{Type: t, Payload: inner})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

// PeekType decodes only the envelope, returning the discriminator without
// touching the inner payload. Dispatch tables call this to route before
// fully decoding into a concrete payload type.
func PeekType(frame []byte) (Type, error) {
	var msg Message
	if err := cbor.Unmarshal(frame, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if !knownTypes[msg.Type] {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg.Type, nil
}

// Decode unpacks a raw frame into its envelope and then into dst, which
// must be a pointer to the payload struct matching the envelope's Type.
// Callers typically call PeekType first to select dst's concrete type.
func Decode(frame []byte, dst any) error {
	var msg Message
	if err := cbor.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if !knownTypes[msg.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if err := cbor.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}

// Header is the wire shape for HTTP headers: string keys to a list of
// string values (a map<string, list<string>> on the wire).
type Header map[string][]string

// FromHTTPHeader converts a net/http.Header into the wire Header shape.
func FromHTTPHeader(h http.Header) Header {
	out := make(Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// ToHTTPHeader converts a wire Header back into net/http.Header.
func (h Header) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}

// --- Payload variants, in the order listed by the wire schema. ---

type Auth struct {
	APIKey string `cbor:"api_key"`
}

func (p Auth) Validate() error {
	if p.APIKey == "" {
		return fmt.Errorf("%w: api_key", ErrMissingField)
	}
	return nil
}

// AccountLimits carries optional per-account rate-limit overrides on
// auth_ok, applied by the gateway to that connection's tunnels_per_client
// bucket.
type AccountLimits struct {
	TunnelsPerClientMax    float64 `cbor:"tunnels_per_client_max,omitempty"`
	TunnelsPerClientRefill float64 `cbor:"tunnels_per_client_refill,omitempty"`
}

type AuthOK struct {
	AccountID string         `cbor:"account_id"`
	Limits    *AccountLimits `cbor:"limits,omitempty"`
}

type AuthError struct {
	Error string `cbor:"error"`
}

type TunnelOpen struct {
	TunnelType string `cbor:"tunnel_type"`
	LocalPort  uint16 `cbor:"local_port"`
	Subdomain  string `cbor:"subdomain,omitempty"`
	Auth       string `cbor:"auth,omitempty"`
}

func (p TunnelOpen) Validate() error {
	if p.TunnelType == "" {
		return fmt.Errorf("%w: tunnel_type", ErrMissingField)
	}
	return nil
}

type TunnelReady struct {
	TunnelID string `cbor:"tunnel_id"`
	URL      string `cbor:"url"`
}

type TunnelClose struct {
	TunnelID string `cbor:"tunnel_id,omitempty"`
	Reason   string `cbor:"reason,omitempty"`
}

type RequestStart struct {
	RequestID string `cbor:"request_id"`
	TunnelID  string `cbor:"tunnel_id"`
	Method    string `cbor:"method"`
	Path      string `cbor:"path"`
	Headers   Header `cbor:"headers"`
}

func (p RequestStart) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("%w: request_id", ErrMissingField)
	}
	return nil
}

// RequestBody carries one chunk of the public request body. Final is
// always present (not omitempty) and MUST be asserted by both sides; see
// the open-question note in DESIGN.md.
type RequestBody struct {
	RequestID string `cbor:"request_id"`
	Chunk     []byte `cbor:"chunk"`
	Final     bool   `cbor:"final"`
}

type ResponseStart struct {
	RequestID  string `cbor:"request_id"`
	StatusCode uint16 `cbor:"status_code"`
	Headers    Header `cbor:"headers"`
}

type ResponseBody struct {
	RequestID string `cbor:"request_id"`
	Chunk     []byte `cbor:"chunk"`
}

type ResponseEnd struct {
	RequestID string `cbor:"request_id"`
}

type WebSocketUpgrade struct {
	RequestID string `cbor:"request_id"`
	TunnelID  string `cbor:"tunnel_id"`
	Path      string `cbor:"path"`
	Headers   Header `cbor:"headers"`
}

type WebSocketUpgradeOK struct {
	RequestID string `cbor:"request_id"`
	Headers   Header `cbor:"headers"`
}

type WebSocketUpgradeError struct {
	RequestID  string `cbor:"request_id"`
	StatusCode uint16 `cbor:"status_code"`
	Message    string `cbor:"message"`
}

type WebSocketFrame struct {
	RequestID string `cbor:"request_id"`
	Opcode    uint8  `cbor:"opcode"`
	Payload   []byte `cbor:"payload"`
}

type WebSocketClose struct {
	RequestID string `cbor:"request_id"`
	Code      uint16 `cbor:"code,omitempty"`
	Reason    string `cbor:"reason,omitempty"`
}

type Ping struct {
	Timestamp int64 `cbor:"timestamp"`
}

type Pong struct {
	Timestamp int64 `cbor:"timestamp"`
}

// WebSocket opcodes carried verbatim by WebSocketFrame, per RFC 6455.
const (
	OpcodeText   uint8 = 0x01
	OpcodeBinary uint8 = 0x02
	OpcodeClose  uint8 = 0x08
	OpcodePing   uint8 = 0x09
	OpcodePong   uint8 = 0x0A
)

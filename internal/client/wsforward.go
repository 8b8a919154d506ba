package client

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watzon/sellia/internal/protocol"
)

// wsDialTimeout bounds dialing the local WebSocket target.
const wsDialTimeout = 5 * time.Second

// WSForwarder opens local WebSocket connections for upgraded public
// requests, preserving the headers the local server needs to see the
// handshake as if it arrived directly.
type WSForwarder struct {
	router *Router
	dialer *websocket.Dialer
}

// NewWSForwarder builds a WSForwarder that resolves targets through router.
func NewWSForwarder(router *Router) *WSForwarder {
	return &WSForwarder{
		router: router,
		dialer: &websocket.Dialer{HandshakeTimeout: wsDialTimeout},
	}
}

// Open resolves path to a local target and dials it as a WebSocket,
// carrying forward Sec-WebSocket-*, Host, and Origin from the public
// upgrade request. It returns the local server's handshake response
// headers alongside the connection, so the caller can echo back
// whatever it negotiated (notably Sec-WebSocket-Protocol).
func (f *WSForwarder) Open(path string, headers protocol.Header) (*websocket.Conn, http.Header, error) {
	match, ok := f.router.Match(path)
	if !ok {
		return nil, nil, fmt.Errorf("no route matched path: %s", path)
	}

	target, err := toWSURL(match.Target, path)
	if err != nil {
		return nil, nil, err
	}

	reqHeader := http.Header{}
	for _, name := range []string{"Origin", "Sec-WebSocket-Protocol", "Sec-WebSocket-Extensions", "Host"} {
		if vs := lookupHeader(headers, name); vs != nil {
			reqHeader[name] = vs
		}
	}

	conn, resp, err := f.dialer.Dial(target, reqHeader)
	if err != nil {
		return nil, nil, err
	}
	var respHeader http.Header
	if resp != nil {
		respHeader = resp.Header
	}
	return conn, respHeader, nil
}

func lookupHeader(h protocol.Header, name string) []string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func toWSURL(target, path string) (string, error) {
	full, err := buildURL(target, path)
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(full, "https://"):
		return "wss://" + strings.TrimPrefix(full, "https://"), nil
	case strings.HasPrefix(full, "http://"):
		return "ws://" + strings.TrimPrefix(full, "http://"), nil
	default:
		return full, nil
	}
}

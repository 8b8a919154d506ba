package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
)

// stubGateway upgrades one control connection and hands it to the test
// over a channel, letting the test script the server side directly.
func stubGateway(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func serverSend(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func serverRecv[T any](t *testing.T, conn *websocket.Conn, want protocol.Type) T {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := protocol.PeekType(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
	var out T
	require.NoError(t, protocol.Decode(data, &out))
	return out
}

func TestClientConnectAndOpenTunnel(t *testing.T) {
	srv, conns := stubGateway(t)
	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(Config{ServerURL: serverURL, Target: "http://127.0.0.1:1"})

	done := make(chan error, 1)
	go func() { done <- c.connect(context.Background()) }()

	conn := <-conns
	open := serverRecv[protocol.TunnelOpen](t, conn, protocol.TypeTunnelOpen)
	require.Equal(t, "http", open.TunnelType)
	serverSend(t, conn, protocol.TypeTunnelReady, protocol.TunnelReady{TunnelID: "t1", URL: "http://sub.example.test"})

	require.NoError(t, <-done)
	require.Equal(t, "t1", c.GetTunnelID())
	require.Equal(t, "http://sub.example.test", c.GetPublicURL())
}

func TestClientAuthFailureDisablesReconnect(t *testing.T) {
	srv, conns := stubGateway(t)
	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(Config{ServerURL: serverURL, Target: "http://127.0.0.1:1", APIKey: "bad-key"})

	done := make(chan error, 1)
	go func() { done <- c.connect(context.Background()) }()

	conn := <-conns
	serverRecv[protocol.Auth](t, conn, protocol.TypeAuth)
	serverSend(t, conn, protocol.TypeAuthError, protocol.AuthError{Error: "invalid api key"})

	err := <-done
	require.Error(t, err)
	require.False(t, c.autoReconnect)
}

func TestClientSubdomainUnavailableDisablesReconnect(t *testing.T) {
	srv, conns := stubGateway(t)
	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(Config{ServerURL: serverURL, Target: "http://127.0.0.1:1", Subdomain: "taken"})

	done := make(chan error, 1)
	go func() { done <- c.connect(context.Background()) }()

	conn := <-conns
	serverRecv[protocol.TunnelOpen](t, conn, protocol.TypeTunnelOpen)
	serverSend(t, conn, protocol.TypeTunnelClose, protocol.TunnelClose{Reason: "subdomain not available"})

	err := <-done
	require.Error(t, err)
	require.False(t, c.autoReconnect)
}

func TestClientForwardsHTTPRequestEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	srv, conns := stubGateway(t)
	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{ServerURL: serverURL, Target: upstream.URL})

	connectDone := make(chan error, 1)
	go func() { connectDone <- c.connect(context.Background()) }()
	conn := <-conns
	serverRecv[protocol.TunnelOpen](t, conn, protocol.TypeTunnelOpen)
	serverSend(t, conn, protocol.TypeTunnelReady, protocol.TunnelReady{TunnelID: "t1", URL: "http://sub.example.test"})
	require.NoError(t, <-connectDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- c.runLoop(ctx) }()

	serverSend(t, conn, protocol.TypeRequestStart, protocol.RequestStart{
		RequestID: "r1", TunnelID: "t1", Method: "GET", Path: "/ping", Headers: protocol.Header{},
	})
	serverSend(t, conn, protocol.TypeRequestBody, protocol.RequestBody{RequestID: "r1", Final: true})

	start := serverRecv[protocol.ResponseStart](t, conn, protocol.TypeResponseStart)
	require.EqualValues(t, http.StatusOK, start.StatusCode)
	body := serverRecv[protocol.ResponseBody](t, conn, protocol.TypeResponseBody)
	require.Equal(t, "pong", string(body.Chunk))
	serverRecv[protocol.ResponseEnd](t, conn, protocol.TypeResponseEnd)

	conn.Close()
	<-loopDone
}

func TestClientRespondsToPing(t *testing.T) {
	srv, conns := stubGateway(t)
	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{ServerURL: serverURL, Target: "http://127.0.0.1:1"})

	connectDone := make(chan error, 1)
	go func() { connectDone <- c.connect(context.Background()) }()
	conn := <-conns
	serverRecv[protocol.TunnelOpen](t, conn, protocol.TypeTunnelOpen)
	serverSend(t, conn, protocol.TypeTunnelReady, protocol.TunnelReady{TunnelID: "t1", URL: "http://sub.example.test"})
	require.NoError(t, <-connectDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runLoop(ctx)

	serverSend(t, conn, protocol.TypePing, protocol.Ping{Timestamp: 42})
	pong := serverRecv[protocol.Pong](t, conn, protocol.TypePong)
	require.EqualValues(t, 42, pong.Timestamp)
}

package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/gateway"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/registry"
)

type stubAuth struct {
	keys map[string]string
}

func (s stubAuth) Validate(_ context.Context, apiKey string) (string, bool) {
	id, ok := s.keys[apiKey]
	return id, ok
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	g := gateway.New(
		registry.New(),
		stubAuth{keys: map[string]string{"good-key": "acct-1"}},
		ratelimit.NewComposite(true, ratelimit.DefaultShapes),
		"example.test", "http",
		zerolog.Nop(),
	)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := gateway.NewConnection(uuid.New().String(), ws, "127.0.0.1", zerolog.Nop())
		g.HandleConnection(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func recvTyped[T any](t *testing.T, conn *websocket.Conn, want protocol.Type) T {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := protocol.PeekType(frame)
	require.NoError(t, err)
	require.Equal(t, want, got)
	var out T
	require.NoError(t, protocol.Decode(frame, &out))
	return out
}

// stubAuthWithLimits additionally implements gateway.AccountLimiter, to
// exercise the auth_ok per-account limit override path.
type stubAuthWithLimits struct {
	stubAuth
	shape ratelimit.Shape
}

func (s stubAuthWithLimits) AccountLimits(_ context.Context, accountID string) (ratelimit.Shape, bool) {
	if accountID != "acct-1" {
		return ratelimit.Shape{}, false
	}
	return s.shape, true
}

func TestAuthOKCarriesAccountLimitOverrideWhenAuthProviderSupportsIt(t *testing.T) {
	g := gateway.New(
		registry.New(),
		stubAuthWithLimits{
			stubAuth: stubAuth{keys: map[string]string{"good-key": "acct-1"}},
			shape:    ratelimit.Shape{Max: 1, Refill: 0.01},
		},
		ratelimit.NewComposite(true, ratelimit.DefaultShapes),
		"example.test", "http",
		zerolog.Nop(),
	)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := gateway.NewConnection(uuid.New().String(), ws, "127.0.0.1", zerolog.Nop())
		g.HandleConnection(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	sendMsg(t, conn, protocol.TypeAuth, protocol.Auth{APIKey: "good-key"})
	ok := recvTyped[protocol.AuthOK](t, conn, protocol.TypeAuthOK)

	require.NotNil(t, ok.Limits)
	assert.Equal(t, 1.0, ok.Limits.TunnelsPerClientMax)
	assert.Equal(t, 0.01, ok.Limits.TunnelsPerClientRefill)

	// First tunnel_open should succeed against the overridden bucket...
	sendMsg(t, conn, protocol.TypeTunnelOpen, protocol.TunnelOpen{TunnelType: "http", LocalPort: 3000, Subdomain: "first"})
	recvTyped[protocol.TunnelReady](t, conn, protocol.TypeTunnelReady)
}

func TestAuthSuccessThenTunnelOpen(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMsg(t, conn, protocol.TypeAuth, protocol.Auth{APIKey: "good-key"})
	ok := recvTyped[protocol.AuthOK](t, conn, protocol.TypeAuthOK)
	assert.Equal(t, "acct-1", ok.AccountID)

	sendMsg(t, conn, protocol.TypeTunnelOpen, protocol.TunnelOpen{TunnelType: "http", LocalPort: 3000, Subdomain: "mysub"})
	ready := recvTyped[protocol.TunnelReady](t, conn, protocol.TypeTunnelReady)
	assert.Contains(t, ready.URL, "mysub.example.test")
}

func TestAuthFailureClosesChannel(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMsg(t, conn, protocol.TypeAuth, protocol.Auth{APIKey: "bad-key"})
	authErr := recvTyped[protocol.AuthError](t, conn, protocol.TypeAuthError)
	assert.NotEmpty(t, authErr.Error)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestTunnelOpenBeforeAuthIsRejected(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMsg(t, conn, protocol.TypeTunnelOpen, protocol.TunnelOpen{TunnelType: "http", LocalPort: 3000})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDuplicateSubdomainGetsTunnelCloseReason(t *testing.T) {
	_, srv := newTestGateway(t)

	first := dial(t, srv)
	sendMsg(t, first, protocol.TypeAuth, protocol.Auth{APIKey: "good-key"})
	recvTyped[protocol.AuthOK](t, first, protocol.TypeAuthOK)
	sendMsg(t, first, protocol.TypeTunnelOpen, protocol.TunnelOpen{TunnelType: "http", LocalPort: 3000, Subdomain: "unique"})
	recvTyped[protocol.TunnelReady](t, first, protocol.TypeTunnelReady)

	second := dial(t, srv)
	sendMsg(t, second, protocol.TypeAuth, protocol.Auth{APIKey: "good-key"})
	recvTyped[protocol.AuthOK](t, second, protocol.TypeAuthOK)
	sendMsg(t, second, protocol.TypeTunnelOpen, protocol.TunnelOpen{TunnelType: "http", LocalPort: 3001, Subdomain: "unique"})
	closeMsg := recvTyped[protocol.TunnelClose](t, second, protocol.TypeTunnelClose)
	assert.Contains(t, closeMsg.Reason, "not available")
}

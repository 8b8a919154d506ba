package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
)

func TestToWSURL(t *testing.T) {
	got, err := toWSURL("http://127.0.0.1:9000", "/socket")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:9000/socket", got)

	got, err = toWSURL("https://127.0.0.1:9000", "/socket")
	require.NoError(t, err)
	require.Equal(t, "wss://127.0.0.1:9000/socket", got)
}

func TestWSForwarderOpenEchoesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer echo.Close()

	target := "http://" + strings.TrimPrefix(echo.URL, "http://")
	router := NewRouter([]Route{{Pattern: "/ws", Target: target}}, "")
	f := NewWSForwarder(router)

	conn, _, err := f.Open("/ws", protocol.Header{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestWSForwarderOpenNoRoute(t *testing.T) {
	router := NewRouter(nil, "")
	f := NewWSForwarder(router)

	_, _, err := f.Open("/missing", protocol.Header{})
	require.Error(t, err)
}

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
)

type fakeSink struct {
	status  int
	headers protocol.Header
	body    []byte
	ended   bool
}

func (s *fakeSink) Start(status int, headers protocol.Header) {
	s.status = status
	s.headers = headers
}

func (s *fakeSink) Chunk(data []byte) {
	s.body = append(s.body, data...)
}

func (s *fakeSink) End() {
	s.ended = true
}

func TestForwardHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer upstream.Close()

	router := NewRouter(nil, upstream.URL)
	f := NewForwarder(router)
	sink := &fakeSink{}

	f.Forward(context.Background(), http.MethodGet, "/anything", protocol.Header{}, nil, sink)

	require.True(t, sink.ended)
	assert.Equal(t, http.StatusCreated, sink.status)
	assert.Equal(t, "created", string(sink.body))
	require.Contains(t, sink.headers, "X-Upstream")
	assert.Equal(t, "yes", sink.headers["X-Upstream"][0])
}

func TestForwardNoRouteMatched(t *testing.T) {
	router := NewRouter(nil, "")
	f := NewForwarder(router)
	sink := &fakeSink{}

	f.Forward(context.Background(), http.MethodGet, "/missing", protocol.Header{}, nil, sink)

	require.True(t, sink.ended)
	assert.Equal(t, http.StatusBadGateway, sink.status)
	assert.Equal(t, "No route matched path: /missing", string(sink.body))
}

func TestForwardConnectionRefused(t *testing.T) {
	router := NewRouter(nil, "http://127.0.0.1:1")
	f := NewForwarder(router)
	sink := &fakeSink{}

	f.Forward(context.Background(), http.MethodGet, "/x", protocol.Header{}, nil, sink)

	require.True(t, sink.ended)
	assert.Equal(t, http.StatusBadGateway, sink.status)
	assert.Equal(t, "Local service unavailable", string(sink.body))
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var gotConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	router := NewRouter(nil, upstream.URL)
	f := NewForwarder(router)
	sink := &fakeSink{}

	headers := protocol.Header{"Connection": {"keep-alive"}, "X-Custom": {"v"}}
	f.Forward(context.Background(), http.MethodGet, "/x", headers, nil, sink)

	require.True(t, sink.ended)
	assert.Empty(t, gotConnection)
}

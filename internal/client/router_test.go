package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterExactMatch(t *testing.T) {
	r := NewRouter([]Route{
		{Pattern: "/api/health", Target: "http://127.0.0.1:9001"},
	}, "")

	m, ok := r.Match("/api/health")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9001", m.Target)
	assert.Equal(t, "/api/health", m.MatchedPattern)

	_, ok = r.Match("/api/health/")
	assert.False(t, ok)
}

func TestRouterWildcardMatch(t *testing.T) {
	r := NewRouter([]Route{
		{Pattern: "/api/*", Target: "http://127.0.0.1:9001"},
		{Pattern: "/static/*", Target: "http://127.0.0.1:9002"},
	}, "")

	m, ok := r.Match("/api/users/42")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9001", m.Target)
	assert.Equal(t, "/api/*", m.MatchedPattern)

	m, ok = r.Match("/static/app.js")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9002", m.Target)
}

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter([]Route{
		{Pattern: "/api/*", Target: "http://127.0.0.1:9001"},
		{Pattern: "/api/admin/*", Target: "http://127.0.0.1:9099"},
	}, "")

	m, ok := r.Match("/api/admin/users")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9001", m.Target)
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter([]Route{
		{Pattern: "/api/*", Target: "http://127.0.0.1:9001"},
	}, "http://127.0.0.1:3000")

	m, ok := r.Match("/unmatched")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:3000", m.Target)
	assert.Equal(t, fallbackPattern, m.MatchedPattern)
}

func TestRouterNoMatchNoFallback(t *testing.T) {
	r := NewRouter([]Route{
		{Pattern: "/api/*", Target: "http://127.0.0.1:9001"},
	}, "")

	_, ok := r.Match("/unmatched")
	assert.False(t, ok)
}

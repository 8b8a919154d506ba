// Package ratelimit implements a generic keyed token bucket on top of
// golang.org/x/time/rate, plus three named buckets composed together:
// connections per IP, tunnels per client, requests per tunnel.
// rate.Limiter's own semantics (Limit = refill/sec, Burst = max tokens)
// already match the bucket model this package needs, so it stays a thin
// keyed wrapper rather than a hand-rolled refill loop.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEvictAfter is how long a key may go unused before it becomes
// eligible for background eviction.
const idleEvictAfter = time.Hour

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is a generic token bucket keyed by an arbitrary string (remote
// IP, client id, tunnel id, ...). All keys share the same (max, refill)
// shape.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	max     float64
	refill  float64
}

// New creates a keyed limiter with burst max and refill tokens/sec.
func New(max, refillPerSecond float64) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		max:     max,
		refill:  refillPerSecond,
	}
}

// Allow reports whether cost tokens may be consumed for key right now. No
// partial consumption occurs: either cost tokens are deducted and true is
// returned, or nothing is deducted and false is returned.
func (l *Limiter) Allow(key string, cost float64) bool {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.refill), int(l.max))}
		l.entries[key] = e
	}
	e.lastUsed = time.Now()
	l.mu.Unlock()

	return e.limiter.AllowN(time.Now(), int(cost))
}

// EvictIdle removes keys whose last use is older than idleEvictAfter,
// bounding memory growth for long-running processes. Intended to be
// called periodically by the owning process (e.g. alongside the
// gateway's liveness sweeper).
func (l *Limiter) EvictIdle() {
	cutoff := time.Now().Add(-idleEvictAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if e.lastUsed.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// Limit names the three composite buckets, used both as a dispatch key
// by callers and as the `limit` label on the rate_limit_denied_total
// metric.
type Limit string

const (
	LimitConnectionsPerIP  Limit = "connections_per_ip"
	LimitTunnelsPerClient  Limit = "tunnels_per_client"
	LimitRequestsPerTunnel Limit = "requests_per_tunnel"
)

// Shape is the (max, refill) pair for one named bucket.
type Shape struct {
	Max    float64
	Refill float64
}

// DefaultShapes are the out-of-the-box (max, refill) pairs for each named
// bucket.
var DefaultShapes = map[Limit]Shape{
	LimitConnectionsPerIP:  {Max: 10, Refill: 1},
	LimitTunnelsPerClient:  {Max: 5, Refill: 0.1},
	LimitRequestsPerTunnel: {Max: 100, Refill: 50},
}

// Composite wraps the three named limiters behind one Allow call. A
// disabled composite always allows.
type Composite struct {
	enabled  bool
	limiters map[Limit]*Limiter
}

// NewComposite builds a composite from shapes; callers may pass
// DefaultShapes or an overridden map (e.g. from Account limits on
// auth_ok). enabled=false makes every call to Allow return true.
func NewComposite(enabled bool, shapes map[Limit]Shape) *Composite {
	c := &Composite{enabled: enabled, limiters: make(map[Limit]*Limiter, len(shapes))}
	for name, shape := range shapes {
		c.limiters[name] = New(shape.Max, shape.Refill)
	}
	return c
}

// Allow checks the named bucket for key, consuming cost tokens on
// success. Returns true immediately if the composite is disabled or the
// named bucket is not configured.
func (c *Composite) Allow(name Limit, key string, cost float64) bool {
	if !c.enabled {
		return true
	}
	l, ok := c.limiters[name]
	if !ok {
		return true
	}
	return l.Allow(key, cost)
}

// SetClientShape overrides the tunnels_per_client shape for a single
// client id by giving it its own dedicated limiter, used to apply
// per-account overrides carried on an auth_ok's account limits.
func (c *Composite) SetClientShape(clientID string, shape Shape) {
	if !c.enabled {
		return
	}
	l, ok := c.limiters[LimitTunnelsPerClient]
	if !ok {
		return
	}
	l.mu.Lock()
	l.entries[clientID] = &entry{
		limiter:  rate.NewLimiter(rate.Limit(shape.Refill), int(shape.Max)),
		lastUsed: time.Now(),
	}
	l.mu.Unlock()
}

// EvictIdle sweeps every named bucket for idle keys.
func (c *Composite) EvictIdle() {
	for _, l := range c.limiters {
		l.EvictIdle()
	}
}

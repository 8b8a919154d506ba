// Package gateway implements the per-channel control-connection state
// machine: accept, authenticate, open tunnels, dispatch response/websocket
// traffic, and sweep for liveness. A connection may own several tunnels at
// once, and liveness is driven by one process-wide sweeper rather than a
// ping ticker per connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/pending"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/registry"
)

// PingInterval and PingTimeout govern the liveness sweeper: every
// connection gets pinged this often, and is closed if it goes this long
// without any inbound traffic.
const (
	PingInterval = 30 * time.Second
	PingTimeout  = 60 * time.Second
)

// AuthProvider is the only interface the core depends on to turn a
// presented api_key into an account id.
type AuthProvider interface {
	Validate(ctx context.Context, apiKey string) (accountID string, ok bool)
}

// AccountLimiter is an optional extension of AuthProvider: adapters that
// can surface a per-account tunnels_per_client override implement it, and
// the gateway applies the override to that connection before sending
// auth_ok.
type AccountLimiter interface {
	AccountLimits(ctx context.Context, accountID string) (ratelimit.Shape, bool)
}

// Gateway wires together the registry, pending stores, rate limiter, auth
// provider and metrics recorder into the per-connection protocol state
// machine.
type Gateway struct {
	Registry    *registry.Registry
	Connections *ConnectionManager
	Requests    *pending.RequestStore
	WebSockets  *pending.WebSocketStore
	Auth        AuthProvider
	Limits      *ratelimit.Composite
	Metrics     metrics.Recorder

	BaseDomain string
	Scheme     string

	Log zerolog.Logger
}

// New constructs a Gateway. Metrics starts as metrics.Nop{}; callers
// replace the field to record metrics.
func New(reg *registry.Registry, auth AuthProvider, limits *ratelimit.Composite, baseDomain, scheme string, log zerolog.Logger) *Gateway {
	return &Gateway{
		Registry:    reg,
		Connections: NewConnectionManager(),
		Requests:    pending.NewRequestStore(),
		WebSockets:  pending.NewWebSocketStore(),
		Auth:        auth,
		Limits:      limits,
		Metrics:     metrics.Nop{},
		BaseDomain:  baseDomain,
		Scheme:      scheme,
		Log:         log,
	}
}

// HandleConnection drives one accepted control channel end to end: read
// loop, dispatch, and teardown cascade on exit. It blocks until the
// connection closes.
func (g *Gateway) HandleConnection(ctx context.Context, c *Connection) {
	g.Connections.Add(c)
	g.Metrics.SetActiveConnections(g.Connections.Count())
	defer func() {
		g.Connections.Remove(c.ClientID)
		g.Metrics.SetActiveConnections(g.Connections.Count())
		g.teardown(c)
	}()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.Closed():
			return
		default:
		}

		_, frame, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.Touch()

		if err := g.dispatch(ctx, c, frame); err != nil {
			g.Log.Debug().Err(err).Str("client_id", c.ClientID).Msg("closing connection after dispatch error")
			c.Close()
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Connection, frame []byte) error {
	typ, err := protocol.PeekType(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch typ {
	case protocol.TypeAuth:
		return g.handleAuth(ctx, c, frame)
	case protocol.TypeTunnelOpen:
		if !c.Authenticated {
			return ErrAuthRequired
		}
		return g.handleTunnelOpen(c, frame)
	case protocol.TypeResponseStart:
		var p protocol.ResponseStart
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.Requests.DeliverStart(p.RequestID, p)
		return nil
	case protocol.TypeResponseBody:
		var p protocol.ResponseBody
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.Requests.DeliverBody(p.RequestID, p.Chunk)
		return nil
	case protocol.TypeResponseEnd:
		var p protocol.ResponseEnd
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.Requests.DeliverEnd(p.RequestID)
		return nil
	case protocol.TypeWebSocketUpgradeOK:
		var p protocol.WebSocketUpgradeOK
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.WebSockets.DeliverUpgradeOK(p.RequestID, p.Headers)
		return nil
	case protocol.TypeWebSocketUpgradeErr:
		var p protocol.WebSocketUpgradeError
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.WebSockets.DeliverUpgradeError(p.RequestID, p.StatusCode, p.Message)
		return nil
	case protocol.TypeWebSocketFrame:
		var p protocol.WebSocketFrame
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.WebSockets.DeliverFrame(p.RequestID, p)
		return nil
	case protocol.TypeWebSocketClose:
		var p protocol.WebSocketClose
		if err := protocol.Decode(frame, &p); err != nil {
			return err
		}
		g.WebSockets.DeliverClose(p.RequestID, p)
		return nil
	case protocol.TypePong:
		// Touch already refreshed on every inbound frame above.
		return nil
	default:
		return fmt.Errorf("%w: unexpected type on control channel: %s", ErrProtocol, typ)
	}
}

func (g *Gateway) handleAuth(ctx context.Context, c *Connection, frame []byte) error {
	if c.Authenticated {
		return ErrAlreadyAuthenticated
	}
	c.SetState(StateAuthenticating)

	var p protocol.Auth
	if err := protocol.Decode(frame, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if !g.Limits.Allow(ratelimit.LimitConnectionsPerIP, c.RemoteIP, 1) {
		g.Metrics.IncRateLimitDenied(string(ratelimit.LimitConnectionsPerIP))
		g.sendAuthError(c, "Rate limit exceeded")
		c.SetState(StateClosing)
		return fmt.Errorf("%w: connections_per_ip exceeded", ErrProtocol)
	}

	accountID, ok := g.Auth.Validate(ctx, p.APIKey)
	if !ok {
		g.sendAuthError(c, "Invalid API key")
		c.SetState(StateClosing)
		return fmt.Errorf("%w: auth failed", ErrProtocol)
	}

	c.Authenticated = true
	c.AccountID = accountID
	c.SetState(StateAuthenticated)

	var limits *protocol.AccountLimits
	if al, ok := g.Auth.(AccountLimiter); ok {
		if shape, found := al.AccountLimits(ctx, accountID); found {
			g.Limits.SetClientShape(c.ClientID, shape)
			limits = &protocol.AccountLimits{
				TunnelsPerClientMax:    shape.Max,
				TunnelsPerClientRefill: shape.Refill,
			}
		}
	}

	frameOut, err := protocol.Encode(protocol.TypeAuthOK, protocol.AuthOK{AccountID: accountID, Limits: limits})
	if err != nil {
		return err
	}
	c.Send(frameOut)
	return nil
}

func (g *Gateway) sendAuthError(c *Connection, reason string) {
	if frame, err := protocol.Encode(protocol.TypeAuthError, protocol.AuthError{Error: reason}); err == nil {
		c.Send(frame)
	}
}

func (g *Gateway) handleTunnelOpen(c *Connection, frame []byte) error {
	var p protocol.TunnelOpen
	if err := protocol.Decode(frame, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if !g.Limits.Allow(ratelimit.LimitTunnelsPerClient, c.ClientID, 1) {
		g.Metrics.IncRateLimitDenied(string(ratelimit.LimitTunnelsPerClient))
		return g.sendTunnelClose(c, "", "Rate limit exceeded")
	}

	t, err := g.Registry.Register(c.ClientID, p.Subdomain, p.Auth)
	if err != nil {
		reason := tunnelOpenFailureReason(err)
		return g.sendTunnelClose(c, "", reason)
	}

	c.SetState(StateServing)
	g.Metrics.SetActiveTunnels(g.Registry.ActiveTunnelCount())

	url := g.publicURL(t.Subdomain)
	out, encErr := protocol.Encode(protocol.TypeTunnelReady, protocol.TunnelReady{TunnelID: t.ID, URL: url})
	if encErr != nil {
		return encErr
	}
	c.Send(out)
	return nil
}

func tunnelOpenFailureReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrSubdomainInvalid):
		return "Subdomain invalid"
	case errors.Is(err, registry.ErrSubdomainReserved):
		return "Subdomain not available (reserved)"
	case errors.Is(err, registry.ErrSubdomainUnavailable):
		return "Subdomain not available"
	default:
		return "Tunnel open failed"
	}
}

func (g *Gateway) sendTunnelClose(c *Connection, tunnelID, reason string) error {
	out, err := protocol.Encode(protocol.TypeTunnelClose, protocol.TunnelClose{TunnelID: tunnelID, Reason: reason})
	if err != nil {
		return err
	}
	c.Send(out)
	return nil
}

// publicURL constructs the externally routable URL for a subdomain.
func (g *Gateway) publicURL(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", g.Scheme, subdomain, g.BaseDomain)
}

// teardown cascades the effects of a closed control channel: every tunnel
// it owned is unregistered, every pending HTTP/WS exchange it owned fails
// with a synthesized error.
func (g *Gateway) teardown(c *Connection) {
	tunnels := g.Registry.UnregisterByClient(c.ClientID)
	g.Metrics.SetActiveTunnels(g.Registry.ActiveTunnelCount())
	for _, t := range tunnels {
		g.Requests.CancelByTunnel(t.ID, pending.ErrChannelLost)
		g.WebSockets.CancelByTunnel(t.ID, "control channel lost")
	}
}

// RunLivenessSweeper is the single process-wide periodic task that pings
// every live connection every
// PingInterval and closes (cascading teardown via HandleConnection's
// deferred cleanup) any connection idle for more than PingTimeout. It
// blocks until ctx is cancelled.
func (g *Gateway) RunLivenessSweeper(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Gateway) sweepOnce() {
	now := time.Now().UnixMilli()
	ping, err := protocol.Encode(protocol.TypePing, protocol.Ping{Timestamp: now})
	if err != nil {
		return
	}
	g.Connections.Range(func(c *Connection) {
		if c.IdleFor() > PingTimeout {
			c.Close()
			return
		}
		c.Send(ping)
	})
}

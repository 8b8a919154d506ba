package client

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/tui"
)

const (
	reconnectStep        = 3 * time.Second
	maxReconnectAttempts = 10
	connectReadTimeout   = 10 * time.Second
)

// Config holds the settings for one TunnelClient run.
type Config struct {
	ServerURL  string  // base server URL, e.g. https://sellia.example.com
	Target     string  // default local target, e.g. http://localhost:3000
	Routes     []Route // optional path-based routing rules
	TunnelType string  // "http" or "websocket"; defaults to "http"
	Subdomain  string  // requested subdomain, empty for random allocation
	APIKey     string  // optional auth api_key
	Verbose    bool    // show request/response bodies
	TUIMode    bool    // set when the caller runs the TUI; Client itself does not read it
}

// Client is the tunnel forwarder: it owns the control channel to the
// server and forwards every request/response and WebSocket frame to
// and from the configured local target.
type Client struct {
	config      Config
	router      *Router
	forwarder   *Forwarder
	wsForwarder *WSForwarder
	display     *Display

	conn    *websocket.Conn
	writeMu sync.Mutex

	tunnelID      string
	publicURL     string
	autoReconnect bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	wsMu    sync.Mutex
	wsConns map[string]*websocket.Conn

	tuiRequestCh chan<- tui.RequestItem
	tuiConnCh    chan<- tui.ConnectionInfo
}

// pendingRequest accumulates one request_start plus its request_body
// chunks until final=true, at which point it is handed to the
// forwarder as a single method/path/headers/body tuple.
type pendingRequest struct {
	method  string
	path    string
	headers protocol.Header
	body    bytes.Buffer
}

// New creates a Client for cfg.
func New(cfg Config) *Client {
	if cfg.TunnelType == "" {
		cfg.TunnelType = "http"
	}
	routes := make([]Route, len(cfg.Routes))
	copy(routes, cfg.Routes)
	router := NewRouter(routes, cfg.Target)

	return &Client{
		config:        cfg,
		router:        router,
		forwarder:     NewForwarder(router),
		wsForwarder:   NewWSForwarder(router),
		display:       NewDisplay(cfg.Target, cfg.Verbose),
		autoReconnect: true,
		pending:       make(map[string]*pendingRequest),
		wsConns:       make(map[string]*websocket.Conn),
	}
}

// Run drives the connect loop until ctx is cancelled or the
// auto-reconnect latch is tripped by an unrecoverable error.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.display.LogDisconnected(err)
			if !c.autoReconnect {
				return err
			}
			attempt++
			if attempt > maxReconnectAttempts {
				return fmt.Errorf("giving up after %d reconnect attempts: %w", maxReconnectAttempts, err)
			}
			c.display.LogReconnecting(attempt)
			select {
			case <-time.After(reconnectStep * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		err := c.runLoop(ctx)
		c.display.LogDisconnected(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.autoReconnect {
			return err
		}

		attempt++
		if attempt > maxReconnectAttempts {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}
		c.display.LogReconnecting(attempt)
		select {
		case <-time.After(reconnectStep * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connect dials the control channel, authenticates if configured, and
// opens the tunnel.
func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.Path = "/ws"
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{HandshakeTimeout: connectReadTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	if c.config.APIKey != "" {
		if err := c.authenticate(); err != nil {
			c.autoReconnect = false
			conn.Close()
			return err
		}
	}

	if err := c.openTunnel(); err != nil {
		conn.Close()
		return err
	}

	return nil
}

func (c *Client) authenticate() error {
	frame, err := protocol.Encode(protocol.TypeAuth, protocol.Auth{APIKey: c.config.APIKey})
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	t, payload, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	switch t {
	case protocol.TypeAuthOK:
		return nil
	case protocol.TypeAuthError:
		var authErr protocol.AuthError
		protocol.Decode(payload, &authErr)
		return fmt.Errorf("auth rejected: %s", authErr.Error)
	default:
		return fmt.Errorf("unexpected response to auth: %s", t)
	}
}

func (c *Client) openTunnel() error {
	frame, err := protocol.Encode(protocol.TypeTunnelOpen, protocol.TunnelOpen{
		TunnelType: c.config.TunnelType,
		LocalPort:  targetPort(c.config.Target),
		Subdomain:  c.config.Subdomain,
	})
	if err != nil {
		return fmt.Errorf("encode tunnel_open: %w", err)
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("send tunnel_open: %w", err)
	}

	t, payload, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("read tunnel_open response: %w", err)
	}

	switch t {
	case protocol.TypeTunnelReady:
		var ready protocol.TunnelReady
		if err := protocol.Decode(payload, &ready); err != nil {
			return fmt.Errorf("invalid tunnel_ready: %w", err)
		}
		c.tunnelID = ready.TunnelID
		c.publicURL = ready.URL
		c.display.LogConnected(c.tunnelID, c.publicURL)
		if c.tuiConnCh != nil {
			c.tuiConnCh <- tui.ConnectionInfo{
				TunnelID:  c.tunnelID,
				PublicURL: c.publicURL,
				Target:    c.config.Target,
				ServerURL: c.config.ServerURL,
				Token:     c.config.APIKey,
				Connected: true,
			}
		}
		return nil
	case protocol.TypeTunnelClose:
		var closeMsg protocol.TunnelClose
		protocol.Decode(payload, &closeMsg)
		if isUnavailable(closeMsg.Reason) {
			c.autoReconnect = false
		}
		return fmt.Errorf("tunnel rejected: %s", closeMsg.Reason)
	default:
		return fmt.Errorf("unexpected response to tunnel_open: %s", t)
	}
}

// readFrame reads and peeks one frame within connectReadTimeout,
// returning its decoded type and raw envelope for Decode.
func (c *Client) readFrame() (protocol.Type, []byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(connectReadTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	c.conn.SetReadDeadline(time.Time{})

	t, err := protocol.PeekType(data)
	if err != nil {
		return "", nil, err
	}
	return t, data, nil
}

// write serializes a frame onto the control channel under a single
// mutex, since gorilla/websocket forbids concurrent writers.
func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// runLoop dispatches every control-channel message until the
// connection drops or tunnel_close arrives.
func (c *Client) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.cancelInflight()
			return err
		}

		t, err := protocol.PeekType(data)
		if err != nil {
			continue
		}

		switch t {
		case protocol.TypePing:
			var ping protocol.Ping
			protocol.Decode(data, &ping)
			pong, _ := protocol.Encode(protocol.TypePong, protocol.Pong{Timestamp: ping.Timestamp})
			c.write(pong)

		case protocol.TypeRequestStart:
			var start protocol.RequestStart
			if err := protocol.Decode(data, &start); err != nil {
				continue
			}
			c.pendingMu.Lock()
			c.pending[start.RequestID] = &pendingRequest{method: start.Method, path: start.Path, headers: start.Headers}
			c.pendingMu.Unlock()

		case protocol.TypeRequestBody:
			var chunk protocol.RequestBody
			if err := protocol.Decode(data, &chunk); err != nil {
				continue
			}
			c.handleRequestBody(ctx, chunk)

		case protocol.TypeWebSocketUpgrade:
			var upgrade protocol.WebSocketUpgrade
			if err := protocol.Decode(data, &upgrade); err != nil {
				continue
			}
			go c.handleWSUpgrade(upgrade)

		case protocol.TypeWebSocketFrame:
			var frame protocol.WebSocketFrame
			if err := protocol.Decode(data, &frame); err != nil {
				continue
			}
			c.relayFrameToLocal(frame)

		case protocol.TypeWebSocketClose:
			var closeMsg protocol.WebSocketClose
			if err := protocol.Decode(data, &closeMsg); err != nil {
				continue
			}
			c.closeLocalWS(closeMsg.RequestID)

		case protocol.TypeTunnelClose:
			var closeMsg protocol.TunnelClose
			protocol.Decode(data, &closeMsg)
			if isUnavailable(closeMsg.Reason) {
				c.autoReconnect = false
			}
			c.cancelInflight()
			return fmt.Errorf("tunnel_close: %s", closeMsg.Reason)
		}
	}
}

func (c *Client) handleRequestBody(ctx context.Context, chunk protocol.RequestBody) {
	c.pendingMu.Lock()
	p, ok := c.pending[chunk.RequestID]
	if !ok {
		c.pendingMu.Unlock()
		return
	}
	p.body.Write(chunk.Chunk)
	final := chunk.Final
	if final {
		delete(c.pending, chunk.RequestID)
	}
	c.pendingMu.Unlock()

	if final {
		go c.handleRequest(ctx, chunk.RequestID, p)
	}
}

// handleRequest forwards one completed request to the local target and
// streams the response back over the control channel.
func (c *Client) handleRequest(ctx context.Context, requestID string, p *pendingRequest) {
	c.display.LogRequest(p.method, p.path, requestID, p.body.Bytes())
	start := time.Now()

	sink := &controlSink{client: c, requestID: requestID}
	c.forwarder.Forward(ctx, p.method, p.path, p.headers, p.body.Bytes(), sink)

	duration := time.Since(start)
	c.display.LogResponse(sink.status, duration, sink.loggedBody)

	if c.tuiRequestCh != nil {
		reqHeaders := make(map[string]string, len(p.headers))
		for k, vs := range p.headers {
			if len(vs) > 0 {
				reqHeaders[k] = vs[0]
			}
		}
		resHeaders := make(map[string]string, len(sink.headers))
		for k, vs := range sink.headers {
			if len(vs) > 0 {
				resHeaders[k] = vs[0]
			}
		}
		item := tui.RequestItem{
			ID:         requestID,
			Method:     p.method,
			Path:       p.path,
			StatusCode: sink.status,
			Duration:   duration,
			Timestamp:  time.Now(),
			ReqHeaders: reqHeaders,
			ReqBody:    p.body.Bytes(),
			ResHeaders: resHeaders,
			ResBody:    sink.loggedBody,
		}
		select {
		case c.tuiRequestCh <- item:
		default:
		}
	}
}

// controlSink implements ResponseSink by streaming response_start/
// response_body/response_end back over the control channel as the
// local round trip produces bytes.
type controlSink struct {
	client    *Client
	requestID string

	status     int
	headers    protocol.Header
	loggedBody []byte // capped copy kept for display/TUI purposes only
}

func (s *controlSink) Start(status int, headers protocol.Header) {
	s.status = status
	s.headers = headers
	frame, err := protocol.Encode(protocol.TypeResponseStart, protocol.ResponseStart{
		RequestID: s.requestID, StatusCode: uint16(status), Headers: headers,
	})
	if err != nil {
		return
	}
	s.client.write(frame)
}

func (s *controlSink) Chunk(data []byte) {
	if len(s.loggedBody) < maxBodyDisplay {
		room := maxBodyDisplay - len(s.loggedBody)
		if room > len(data) {
			room = len(data)
		}
		s.loggedBody = append(s.loggedBody, data[:room]...)
	}
	for len(data) > 0 {
		n := len(data)
		if n > responseChunkSize {
			n = responseChunkSize
		}
		frame, err := protocol.Encode(protocol.TypeResponseBody, protocol.ResponseBody{RequestID: s.requestID, Chunk: data[:n]})
		if err == nil {
			s.client.write(frame)
		}
		data = data[n:]
	}
}

func (s *controlSink) End() {
	frame, err := protocol.Encode(protocol.TypeResponseEnd, protocol.ResponseEnd{RequestID: s.requestID})
	if err != nil {
		return
	}
	s.client.write(frame)
}

// handleWSUpgrade opens the local WebSocket connection and relays the
// handshake result; on success it starts the local->control relay loop.
func (c *Client) handleWSUpgrade(upgrade protocol.WebSocketUpgrade) {
	conn, respHeader, err := c.wsForwarder.Open(upgrade.Path, upgrade.Headers)
	if err != nil {
		frame, _ := protocol.Encode(protocol.TypeWebSocketUpgradeErr, protocol.WebSocketUpgradeError{
			RequestID: upgrade.RequestID, StatusCode: 502, Message: err.Error(),
		})
		c.write(frame)
		return
	}

	c.wsMu.Lock()
	c.wsConns[upgrade.RequestID] = conn
	c.wsMu.Unlock()

	frame, _ := protocol.Encode(protocol.TypeWebSocketUpgradeOK, protocol.WebSocketUpgradeOK{
		RequestID: upgrade.RequestID, Headers: protocol.FromHTTPHeader(respHeader),
	})
	c.write(frame)

	c.relayLocalToControl(upgrade.RequestID, conn)
}

func (c *Client) relayLocalToControl(requestID string, conn *websocket.Conn) {
	defer c.closeLocalWS(requestID)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			closeFrame, _ := protocol.Encode(protocol.TypeWebSocketClose, protocol.WebSocketClose{RequestID: requestID})
			c.write(closeFrame)
			return
		}
		opcode := protocol.OpcodeText
		if msgType == websocket.BinaryMessage {
			opcode = protocol.OpcodeBinary
		}
		frame, err := protocol.Encode(protocol.TypeWebSocketFrame, protocol.WebSocketFrame{
			RequestID: requestID, Opcode: opcode, Payload: data,
		})
		if err != nil {
			continue
		}
		c.write(frame)
	}
}

func (c *Client) relayFrameToLocal(frame protocol.WebSocketFrame) {
	c.wsMu.Lock()
	conn, ok := c.wsConns[frame.RequestID]
	c.wsMu.Unlock()
	if !ok {
		return
	}
	msgType := websocket.TextMessage
	if frame.Opcode == protocol.OpcodeBinary {
		msgType = websocket.BinaryMessage
	}
	conn.WriteMessage(msgType, frame.Payload)
}

func (c *Client) closeLocalWS(requestID string) {
	c.wsMu.Lock()
	conn, ok := c.wsConns[requestID]
	delete(c.wsConns, requestID)
	c.wsMu.Unlock()
	if ok {
		conn.Close()
	}
}

// cancelInflight tears down every local WS connection and pending
// request on channel loss.
func (c *Client) cancelInflight() {
	c.pendingMu.Lock()
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	c.wsMu.Lock()
	conns := c.wsConns
	c.wsConns = make(map[string]*websocket.Conn)
	c.wsMu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// isUnavailable reports whether a tunnel_close reason indicates the
// subdomain can never succeed, per the reconnect-disabling rule.
func isUnavailable(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "not available")
}

// targetPort extracts the numeric port from a local target URL,
// defaulting to 80/443 when none is specified.
func targetPort(target string) uint16 {
	u, err := url.Parse(target)
	if err != nil {
		return 0
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return uint16(n)
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// GetTunnelID returns the current tunnel ID.
func (c *Client) GetTunnelID() string {
	return c.tunnelID
}

// GetPublicURL returns the public URL.
func (c *Client) GetPublicURL() string {
	return c.publicURL
}

// SetTUIChannels wires the TUI model's channels for request/connection
// updates.
func (c *Client) SetTUIChannels(reqCh chan<- tui.RequestItem, connCh chan<- tui.ConnectionInfo) {
	c.tuiRequestCh = reqCh
	c.tuiConnCh = connCh
}

// GetTarget returns the configured default target.
func (c *Client) GetTarget() string {
	return c.config.Target
}

// Package ingress implements the public HTTP/WebSocket entrypoint:
// host-based subdomain routing, tunnel basic-auth, rate limiting,
// streaming request/response bodies across the gateway's control
// channel, and the base-domain health/verify/control-channel routes.
// Host-based routing is built on gorilla/mux, using a Host matcher
// instead of a path-prefix router.
package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/gateway"
	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/pending"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/registry"
)

// chunkSize bounds both request and response body chunks placed on the
// control channel.
const chunkSize = 8 * 1024

// hopByHop is the header set stripped in both directions before a
// request/response crosses the tunnel.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
	"Proxy-Authorization": true,
	"Proxy-Authenticate":  true,
}

// BaseRoute is an additional handler mounted on the base-domain subrouter,
// alongside /health, /tunnel/verify and /ws.
type BaseRoute struct {
	Path    string
	Handler http.Handler
}

// Ingress serves public HTTP/WebSocket traffic, dispatching across the
// owning tunnel's control channel via Gateway.
type Ingress struct {
	Gateway        *gateway.Gateway
	BaseDomain     string
	RequestTimeout time.Duration

	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New builds an Ingress. Its upgrader accepts any Origin; the upgrader is
// unexported, so the Origin check cannot be changed from outside the package.
func New(gw *gateway.Gateway, baseDomain string, log zerolog.Logger) *Ingress {
	return &Ingress{
		Gateway:        gw,
		BaseDomain:     baseDomain,
		RequestTimeout: pending.DefaultRequestTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Router builds the public-facing mux.Router: base-domain routes plus a
// catch-all for any host ending in ".<base-domain>". extraBaseRoutes, if
// given, are registered on the base-domain subrouter alongside the built-in
// ones (e.g. a /metrics handler) - the base subrouter sets its own
// NotFoundHandler, so routes added to the outer router after Router
// returns would never be reached for base-domain requests.
func (in *Ingress) Router(extraBaseRoutes ...BaseRoute) *mux.Router {
	r := mux.NewRouter()

	base := r.Host(in.BaseDomain).Subrouter()
	base.HandleFunc("/health", in.handleHealth).Methods(http.MethodGet)
	base.HandleFunc("/tunnel/verify", in.handleVerify).Methods(http.MethodGet)
	base.HandleFunc("/ws", in.handleControlChannel)
	for _, extra := range extraBaseRoutes {
		base.Handle(extra.Path, extra.Handler)
	}
	base.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return in.subdomainOf(hostOf(req)) != ""
	}).Handler(http.HandlerFunc(in.handleTunneled))

	return r
}

func hostOf(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// subdomainOf strips the base-domain suffix case-insensitively, returning
// "" if host is not a strict subdomain of the base domain.
func (in *Ingress) subdomainOf(host string) string {
	host = strings.ToLower(host)
	base := strings.ToLower(in.BaseDomain)
	suffix := "." + base
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

func (in *Ingress) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"tunnels": in.Gateway.Registry.ActiveTunnelCount(),
	})
}

func (in *Ingress) handleVerify(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if strings.EqualFold(domain, in.BaseDomain) {
		w.WriteHeader(http.StatusOK)
		return
	}
	sub := in.subdomainOf(domain)
	if sub != "" {
		if _, ok := in.Gateway.Registry.FindBySubdomain(sub); ok {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

// handleControlChannel upgrades the control-channel WebSocket and hands
// the connection to the gateway's per-channel state machine.
func (in *Ingress) handleControlChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	remoteIP := remoteIPOf(r)
	conn := gateway.NewConnection(uuid.New().String(), ws, remoteIP, in.log)
	in.Gateway.HandleConnection(r.Context(), conn)
}

func remoteIPOf(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

// handleTunneled serves any host that resolved to a subdomain: basic-auth
// enforcement, rate limiting, then either a WebSocket upgrade or a
// streamed HTTP exchange over the owning control channel.
func (in *Ingress) handleTunneled(w http.ResponseWriter, r *http.Request) {
	sub := in.subdomainOf(hostOf(r))
	tunnel, ok := in.Gateway.Registry.FindBySubdomain(sub)
	if !ok {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}

	if !in.checkBasicAuth(w, r, tunnel) {
		return
	}

	if !in.Gateway.Limits.Allow(ratelimit.LimitRequestsPerTunnel, tunnel.ID, 1) {
		in.Gateway.Metrics.IncRateLimitDenied(string(ratelimit.LimitRequestsPerTunnel))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if isWebSocketUpgrade(r) {
		in.handleWebSocketUpgrade(w, r, tunnel)
		return
	}

	in.handleHTTPExchange(w, r, tunnel)
}

func (in *Ingress) checkBasicAuth(w http.ResponseWriter, r *http.Request, t *registry.Tunnel) bool {
	if t.Auth == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	expected := strings.SplitN(t.Auth, ":", 2)
	if ok && len(expected) == 2 && user == expected[0] && pass == expected[1] {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="Sellia"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		r.Header.Get("Sec-WebSocket-Key") != ""
}

func (in *Ingress) handleHTTPExchange(w http.ResponseWriter, r *http.Request, t *registry.Tunnel) {
	requestID := uuid.New().String()
	exchange := in.Gateway.Requests.Register(requestID, t.ID, in.RequestTimeout)
	started := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		in.Gateway.Metrics.ObserveRequest(metrics.StatusClass(sw.status), time.Since(started).Seconds())
	}()
	w = sw

	startFrame, err := protocol.Encode(protocol.TypeRequestStart, protocol.RequestStart{
		RequestID: requestID,
		TunnelID:  t.ID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   stripHopByHop(protocol.FromHTTPHeader(r.Header)),
	})
	if err != nil {
		in.Gateway.Requests.Cancel(requestID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, ok := in.Gateway.Connections.Get(t.ClientID)
	if !ok || !conn.Send(startFrame) {
		in.Gateway.Requests.Cancel(requestID, pending.ErrChannelLost)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	if err := in.streamRequestBody(conn, requestID, r.Body); err != nil {
		in.Gateway.Requests.Cancel(requestID, err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	in.awaitAndWriteResponse(w, exchange)
}

func (in *Ingress) streamRequestBody(c *gateway.Connection, requestID string, body io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			frame, encErr := protocol.Encode(protocol.TypeRequestBody, protocol.RequestBody{
				RequestID: requestID, Chunk: chunk, Final: false,
			})
			if encErr != nil {
				return encErr
			}
			if !c.Send(frame) {
				return pending.ErrChannelLost
			}
		}
		if err == io.EOF {
			frame, encErr := protocol.Encode(protocol.TypeRequestBody, protocol.RequestBody{
				RequestID: requestID, Chunk: nil, Final: true,
			})
			if encErr != nil {
				return encErr
			}
			if !c.Send(frame) {
				return pending.ErrChannelLost
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// awaitAndWriteResponse waits for response_start (or an early Done, on
// timeout/channel loss before any response arrived) before touching
// e.Chunks. response_start and response_body for one request_id are both
// delivered by the same gateway read loop back-to-back, so racing them in
// one select would let Go's uniform random choice write a body chunk
// first, an implicit WriteHeader(200) that silently drops the real
// status code and headers.
func (in *Ingress) awaitAndWriteResponse(w http.ResponseWriter, e *pending.HTTPExchange) {
	flusher, _ := w.(http.Flusher)

	var start protocol.ResponseStart
	select {
	case start = <-e.Start:
	case err := <-e.Done:
		// Done can become ready together with a buffered response_start
		// when the whole response arrived before this select ran.
		select {
		case start = <-e.Start:
		default:
			// No response_start ever arrived (timeout or channel loss
			// before any response), so headers are still unwritten.
			if err != nil {
				in.writeSynthesizedFailure(w, err)
			}
			return
		}
	}
	for k, vs := range stripHopByHop(start.Headers).ToHTTPHeader() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(int(start.StatusCode))
	if flusher != nil {
		flusher.Flush()
	}

	// Headers are already flushed at this point; a late Done here just
	// ends the body stream, it can no longer change the status code.
	for {
		select {
		case chunk := <-e.Chunks:
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		case <-e.Done:
			in.drainChunks(w, e, flusher)
			return
		}
	}
}

func (in *Ingress) drainChunks(w http.ResponseWriter, e *pending.HTTPExchange, flusher http.Flusher) {
	for {
		select {
		case chunk := <-e.Chunks:
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		default:
			return
		}
	}
}

func (in *Ingress) writeSynthesizedFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pending.ErrTimeout):
		http.Error(w, "Gateway timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}
}

// statusWriter captures the status code written so it can be recorded as a
// metrics label after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func stripHopByHop(h protocol.Header) protocol.Header {
	out := make(protocol.Header, len(h))
	for k, v := range h {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = v
	}
	return out
}


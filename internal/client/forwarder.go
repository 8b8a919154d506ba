package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/watzon/sellia/internal/protocol"
)

// responseChunkSize bounds each response_body frame's payload.
const responseChunkSize = 8 * 1024

// connectTimeout bounds dialing the local target; readTimeout bounds
// the whole round trip, dialing and reading the response body included.
const (
	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second
)

// ResponseSink receives the streamed result of one forwarded request:
// exactly one Start call, zero or more Chunk calls, then one End call.
type ResponseSink interface {
	Start(status int, headers protocol.Header)
	Chunk(data []byte)
	End()
}

// Forwarder turns a completed request_start/request_body exchange into
// a local HTTP round trip, streaming the response back through a
// ResponseSink instead of buffering it whole.
type Forwarder struct {
	router     *Router
	httpClient *http.Client
}

// NewForwarder builds a Forwarder that resolves targets through router.
func NewForwarder(router *Router) *Forwarder {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Forwarder{
		router: router,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward performs the local round trip for one completed request and
// streams the result into sink. On any local failure it synthesizes the
// response (502/504/500) into sink itself rather than returning an
// error, since the caller always owes the tunnel a response message.
func (f *Forwarder) Forward(ctx context.Context, method, path string, headers protocol.Header, body []byte, sink ResponseSink) {
	match, ok := f.router.Match(path)
	if !ok {
		writeSynthesized(sink, http.StatusBadGateway, fmt.Sprintf("No route matched path: %s", path))
		return
	}

	fullURL, err := buildURL(match.Target, path)
	if err != nil {
		writeSynthesized(sink, http.StatusInternalServerError, fmt.Sprintf("failed to build request: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		writeSynthesized(sink, http.StatusInternalServerError, fmt.Sprintf("failed to build request: %v", err))
		return
	}
	for k, vs := range headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		status, text := classifyDialError(err)
		writeSynthesized(sink, status, text)
		return
	}
	defer resp.Body.Close()

	respHeaders := make(protocol.Header, len(resp.Header))
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		respHeaders[k] = append([]string(nil), vs...)
	}
	sink.Start(resp.StatusCode, respHeaders)

	buf := make([]byte, responseChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.Chunk(chunk)
		}
		if err != nil {
			break
		}
	}
	sink.End()
}

func writeSynthesized(sink ResponseSink, status int, body string) {
	sink.Start(status, nil)
	sink.Chunk([]byte(body))
	sink.End()
}

// classifyDialError maps a transport error from http.Client.Do into the
// status/body pair the control channel expects in response.
func classifyDialError(err error) (int, string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "Local service timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "Local service timed out"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && strings.Contains(opErr.Err.Error(), "refused") {
		return http.StatusBadGateway, "Local service unavailable"
	}
	return http.StatusInternalServerError, fmt.Sprintf("forwarding error: %v", err)
}

// buildURL joins a base target URL with a request path (which may
// carry a query string), handling the leading-slash edge case.
func buildURL(baseURL, path string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL: %w", err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	pathURL, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	return base.ResolveReference(pathURL).String(), nil
}

// isHopByHop reports whether header (a canonical net/http header key) is in
// the normative hop-by-hop set stripped before a request/response crosses
// the local round trip, matching the same set internal/ingress strips on
// the public-facing side.
func isHopByHop(header string) bool {
	switch header {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

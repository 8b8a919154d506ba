// Package pending correlates in-flight HTTP exchanges and WebSocket
// upgrades by request_id between the public-facing ingress and the
// control channel that owns them. Each waiter is a sync.RWMutex-guarded
// map entry with a timeout-driven cleanup goroutine, single-producer/
// single-consumer over its channels: a status/headers promise with an
// ordered byte-chunk sink for HTTP, and a bidirectional frame queue for
// WebSocket.
package pending

import (
	"sync"
	"time"

	"github.com/watzon/sellia/internal/protocol"
)

// DefaultRequestTimeout is the deadline a pending HTTP exchange waits for
// a response before synthesizing ErrTimeout.
const DefaultRequestTimeout = 30 * time.Second

// HTTPExchange is the waiter an ingress handler awaits for one request_id.
// Exactly one of Start/Chunks/Done fires per lifecycle event; the ingress
// handler drains Chunks until Done fires.
type HTTPExchange struct {
	RequestID string
	TunnelID  string

	Start  chan protocol.ResponseStart
	Chunks chan []byte
	Done   chan error // nil on a clean response_end, non-nil on timeout/channel loss

	deadline time.Time
	timer    *time.Timer
	closeOnce sync.Once
}

func (e *HTTPExchange) finish(err error) {
	e.closeOnce.Do(func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.Done <- err
		close(e.Done)
	})
}

// RequestStore is the concurrent map of request_id -> *HTTPExchange, with
// its own lock.
type RequestStore struct {
	mu   sync.RWMutex
	byID map[string]*HTTPExchange
}

// NewRequestStore creates an empty store.
func NewRequestStore() *RequestStore {
	return &RequestStore{byID: make(map[string]*HTTPExchange)}
}

// Register creates a pending exchange for requestID, arming a deadline
// timer that delivers ErrTimeout via Done if nothing resolves it first.
func (s *RequestStore) Register(requestID, tunnelID string, timeout time.Duration) *HTTPExchange {
	e := &HTTPExchange{
		RequestID: requestID,
		TunnelID:  tunnelID,
		Start:     make(chan protocol.ResponseStart, 1),
		Chunks:    make(chan []byte, 16),
		Done:      make(chan error, 1),
		deadline:  time.Now().Add(timeout),
	}

	s.mu.Lock()
	s.byID[requestID] = e
	s.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		_, still := s.byID[requestID]
		delete(s.byID, requestID)
		s.mu.Unlock()
		if still {
			e.finish(ErrTimeout)
		}
	})
	return e
}

// DeliverStart hands a response_start to the waiting exchange.
func (s *RequestStore) DeliverStart(requestID string, start protocol.ResponseStart) bool {
	s.mu.RLock()
	e, ok := s.byID[requestID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.Start <- start:
	default:
	}
	return true
}

// DeliverBody hands one response_body chunk to the waiting exchange. The
// send is non-blocking: this runs inside the gateway's single
// per-connection read loop, shared by every other request_id (and pong
// handling) on that connection, so a public consumer that has fallen
// behind must never stall it. A full Chunks buffer cancels just this one
// exchange with ErrSlowConsumer rather than blocking the loop.
func (s *RequestStore) DeliverBody(requestID string, chunk []byte) bool {
	s.mu.RLock()
	e, ok := s.byID[requestID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.Chunks <- chunk:
		return true
	default:
		s.Cancel(requestID, ErrSlowConsumer)
		return false
	}
}

// DeliverEnd completes the exchange normally and removes it from the
// store.
func (s *RequestStore) DeliverEnd(requestID string) bool {
	e, ok := s.remove(requestID)
	if !ok {
		return false
	}
	e.finish(nil)
	return true
}

// Cancel fails a pending exchange with err (used for per-request
// cancellation; errors.Is(err, ErrTimeout) or ErrChannelLost are the
// common cases) and removes it from the store.
func (s *RequestStore) Cancel(requestID string, err error) bool {
	e, ok := s.remove(requestID)
	if !ok {
		return false
	}
	e.finish(err)
	return true
}

// CancelByTunnel fails and removes every pending exchange owned by
// tunnelID, used when its control channel is lost.
func (s *RequestStore) CancelByTunnel(tunnelID string, err error) []*HTTPExchange {
	s.mu.Lock()
	var matched []*HTTPExchange
	for id, e := range s.byID {
		if e.TunnelID == tunnelID {
			matched = append(matched, e)
			delete(s.byID, id)
		}
	}
	s.mu.Unlock()
	for _, e := range matched {
		e.finish(err)
	}
	return matched
}

func (s *RequestStore) remove(requestID string) (*HTTPExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[requestID]
	if ok {
		delete(s.byID, requestID)
	}
	return e, ok
}

// --- WebSocket pending exchanges ---

// WSExchange correlates a public WebSocket upgrade/frame stream with its
// owning control channel.
type WSExchange struct {
	RequestID string
	TunnelID  string

	Upgraded  chan UpgradeResult
	Inbound   chan protocol.WebSocketFrame // frames arriving from the tunnel client, for the public side to relay
	Closed    chan protocol.WebSocketClose

	closeOnce sync.Once
}

// UpgradeResult is delivered once on WSExchange.Upgraded, resolving a
// pending websocket_upgrade with either the headers the tunnel client
// wants echoed back, or a failure status/message to surface as the
// public response.
type UpgradeResult struct {
	OK      bool
	Headers protocol.Header
	Status  uint16
	Message string
}

func (e *WSExchange) finishClosed(c protocol.WebSocketClose) {
	e.closeOnce.Do(func() {
		e.Closed <- c
		close(e.Closed)
	})
}

// WebSocketStore is the concurrent map of request_id -> *WSExchange.
type WebSocketStore struct {
	mu   sync.RWMutex
	byID map[string]*WSExchange
}

// NewWebSocketStore creates an empty store.
func NewWebSocketStore() *WebSocketStore {
	return &WebSocketStore{byID: make(map[string]*WSExchange)}
}

// Register reserves a pending WS slot for requestID.
func (s *WebSocketStore) Register(requestID, tunnelID string) *WSExchange {
	e := &WSExchange{
		RequestID: requestID,
		TunnelID:  tunnelID,
		Upgraded:  make(chan UpgradeResult, 1),
		Inbound:   make(chan protocol.WebSocketFrame, 32),
		Closed:    make(chan protocol.WebSocketClose, 1),
	}
	s.mu.Lock()
	s.byID[requestID] = e
	s.mu.Unlock()
	return e
}

// DeliverUpgradeOK resolves the upgrade with the headers to echo back.
func (s *WebSocketStore) DeliverUpgradeOK(requestID string, headers protocol.Header) bool {
	s.mu.RLock()
	e, ok := s.byID[requestID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.Upgraded <- UpgradeResult{OK: true, Headers: headers}
	return true
}

// DeliverUpgradeError resolves the upgrade as failed, removing it.
func (s *WebSocketStore) DeliverUpgradeError(requestID string, status uint16, message string) bool {
	e, ok := s.remove(requestID)
	if !ok {
		return false
	}
	e.Upgraded <- UpgradeResult{OK: false, Status: status, Message: message}
	return true
}

// DeliverFrame relays a frame arriving from the control channel to the
// public side.
func (s *WebSocketStore) DeliverFrame(requestID string, frame protocol.WebSocketFrame) bool {
	s.mu.RLock()
	e, ok := s.byID[requestID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.Inbound <- frame
	return true
}

// DeliverClose resolves the exchange with a close frame and removes it.
func (s *WebSocketStore) DeliverClose(requestID string, c protocol.WebSocketClose) bool {
	e, ok := s.remove(requestID)
	if !ok {
		return false
	}
	e.finishClosed(c)
	return true
}

// CancelByTunnel synthesizes a close for every exchange owned by
// tunnelID, used on channel loss.
func (s *WebSocketStore) CancelByTunnel(tunnelID string, reason string) []*WSExchange {
	s.mu.Lock()
	var matched []*WSExchange
	for id, e := range s.byID {
		if e.TunnelID == tunnelID {
			matched = append(matched, e)
			delete(s.byID, id)
		}
	}
	s.mu.Unlock()
	for _, e := range matched {
		select {
		case e.Upgraded <- UpgradeResult{OK: false, Status: 502, Message: reason}:
		default:
		}
		e.finishClosed(protocol.WebSocketClose{RequestID: e.RequestID, Reason: reason})
	}
	return matched
}

func (s *WebSocketStore) remove(requestID string) (*WSExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[requestID]
	if ok {
		delete(s.byID, requestID)
	}
	return e, ok
}

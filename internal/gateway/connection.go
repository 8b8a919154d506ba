package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered stalled.
const writeWait = 10 * time.Second

// sendBuffer bounds the outbound queue per connection; a full buffer
// indicates a stalled peer and causes the writer to drop the connection
// rather than block every handler sharing it.
const sendBuffer = 64

// Connection is one live control-channel peer: a client_id, its transport,
// and the single outbound writer goroutine that serializes every send onto
// it. Multiple request/response handlers push frames onto send; exactly
// one goroutine (run via the Connection's writePump) ever calls
// conn.WriteMessage, since gorilla/websocket forbids concurrent writers.
type Connection struct {
	ClientID string
	conn     *websocket.Conn
	log      zerolog.Logger

	send chan []byte
	done chan struct{}

	mu            sync.Mutex
	state         State
	Authenticated bool
	AccountID     string
	RemoteIP      string
	lastActivity  time.Time
}

// NewConnection wraps an accepted WebSocket as a control channel in the
// Connected state.
func NewConnection(clientID string, ws *websocket.Conn, remoteIP string, log zerolog.Logger) *Connection {
	c := &Connection{
		ClientID:     clientID,
		conn:         ws,
		log:          log.With().Str("client_id", clientID).Logger(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		state:        StateConnected,
		RemoteIP:     remoteIP,
		lastActivity: time.Now(),
	}
	go c.writePump()
	return c
}

// State returns the connection's current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection to s.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Touch refreshes the last-activity timestamp, called on every inbound
// frame including pong.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the last inbound frame.
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Send enqueues a frame for the writer goroutine. Returns false if the
// connection is already closed or the outbound queue is full.
func (c *Connection) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Msg("outbound queue full, dropping connection")
		c.Close()
		return false
	}
}

// Close tears down the writer goroutine and the underlying socket. Safe
// to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

// Closed reports whether Close has run.
func (c *Connection) Closed() <-chan struct{} {
	return c.done
}

// ReadMessage reads the next binary frame from the underlying socket.
func (c *Connection) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *Connection) writePump() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing connection")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

package pending

import "errors"

var (
	// ErrNotFound is returned when an operation references a request_id
	// with no pending exchange (already resolved, expired, or never
	// registered).
	ErrNotFound = errors.New("pending: exchange not found")
	// ErrTimeout is delivered to a waiting ingress handler when a pending
	// exchange's deadline elapses before resolution.
	ErrTimeout = errors.New("pending: deadline exceeded")
	// ErrChannelLost is delivered to every pending exchange owned by a
	// control channel that closed mid-exchange.
	ErrChannelLost = errors.New("pending: control channel lost")
	// ErrSlowConsumer is delivered to an exchange whose Chunks buffer
	// filled because the public-facing reader fell behind, so the
	// gateway's per-connection read loop could drop this one exchange
	// instead of blocking on it.
	ErrSlowConsumer = errors.New("pending: slow consumer, exchange dropped")
)

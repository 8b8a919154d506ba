package gateway

import "errors"

var (
	// ErrProtocol is returned/closes the channel when a control-channel
	// frame is malformed, carries an unknown type, or is sent out of
	// order for the connection's current state.
	ErrProtocol = errors.New("gateway: protocol error")
	// ErrAuthRequired is returned when tunnel_open arrives before the
	// connection has authenticated.
	ErrAuthRequired = errors.New("gateway: authentication required")
	// ErrAlreadyAuthenticated is returned when a second auth message
	// arrives on an already-authenticated connection.
	ErrAlreadyAuthenticated = errors.New("gateway: already authenticated")
)

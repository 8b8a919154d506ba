package protocol

import "errors"

var (
	// ErrUnknownType is returned when a message's type discriminator does
	// not match any known variant.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMissingField is returned when a required field of a variant is
	// absent from a decoded payload.
	ErrMissingField = errors.New("protocol: missing required field")
	// ErrDecodeFailed wraps a lower-level CBOR decode error.
	ErrDecodeFailed = errors.New("protocol: malformed payload")
)

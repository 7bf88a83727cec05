package broker

import "errors"

var (
	// ErrInvalidHandshake is returned by Admit when the admission request
	// is missing a room or user identifier. It is the only broker error
	// that surfaces to callers.
	ErrInvalidHandshake = errors.New("invalid handshake")
	// ErrMalformedFrame is returned by Dispatch when an inbound frame
	// cannot be parsed or routed. The connection stays admitted.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrClosed is returned by Admit after the broker has been closed.
	ErrClosed = errors.New("broker closed")
)

// RetireReason records why a connection was retired.
type RetireReason string

const (
	ReasonLeave            RetireReason = "leave"
	ReasonTransportError   RetireReason = "transport_error"
	ReasonHeartbeatTimeout RetireReason = "heartbeat_timeout"
	ReasonShutdown         RetireReason = "shutdown"
)

package peerpool

import "errors"

// Caller-facing error kinds. Socket dial failures are wrapped into
// ErrConnectionClosed before reaching the caller; errors returned by
// Transport.Authenticate and Transport.WriteFrame reach the caller as the
// Transport reports them.
var (
	ErrPendingConnection     = errors.New("peerpool: a dial or accept is already in flight for this point")
	ErrAlreadyConnected      = errors.New("peerpool: peer is already connected")
	ErrConnectionRefused     = errors.New("peerpool: connection refused")
	ErrConnectionClosed      = errors.New("peerpool: connection closed")
	ErrAuthenticationFailed  = errors.New("peerpool: authentication failed")
	ErrAuthenticationTimeout = errors.New("peerpool: authentication timed out")
	ErrConnectionTimeout     = errors.New("peerpool: connection timed out")
	ErrRejected              = errors.New("peerpool: connection rejected by policy")
	ErrTooManyConnections    = errors.New("peerpool: too many connections")
	ErrNoCommonProtocol      = errors.New("peerpool: no common protocol version")
	ErrDecodingError         = errors.New("peerpool: frame decoding error")
	ErrMyself                = errors.New("peerpool: refusing to connect to self")

	errPoolStopped  = errors.New("peerpool: pool is shutting down")
	errPoolNotReady = errors.New("peerpool: pool is not running")
)

// DisconnectReason labels why a Connection was torn down. It is carried in
// the Point/Peer rolling event log and in watcher events.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonRequested                // local caller asked for it
	ReasonTransportError
	ReasonProtocolError
	ReasonRemoteDisconnect
	ReasonAuthenticationFailed
	ReasonAlreadyConnected // lost the simultaneous-connect tie-break, or peer already Running
	ReasonCapacityEviction // closed by GC or swap to free a slot
	ReasonPoolShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonTransportError:
		return "transport_error"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonRemoteDisconnect:
		return "remote_disconnect"
	case ReasonAuthenticationFailed:
		return "authentication_failed"
	case ReasonAlreadyConnected:
		return "already_connected"
	case ReasonCapacityEviction:
		return "capacity_eviction"
	case ReasonPoolShutdown:
		return "pool_shutdown"
	default:
		return "unknown"
	}
}

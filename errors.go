// Package unison provides a type-safe, low-latency RPC and messaging
// framework layered on QUIC.
package unison

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the library. These provide
// standardized errors for common failure conditions (§7).
var (
	// ErrConnectionClosed is returned when attempting to use a
	// connection that has already been closed, either locally or by
	// the remote peer.
	ErrConnectionClosed = errors.New("unison: connection has been closed")

	// ErrClosedByPeer is returned to waiters when the remote peer
	// closed the connection.
	ErrClosedByPeer = errors.New("unison: connection closed by peer")

	// ErrTimeout is returned when a send_request deadline elapses
	// before a matching Response arrives.
	ErrTimeout = errors.New("unison: request timed out")

	// ErrCancelled is returned when a caller abandons a send_request
	// before it completes.
	ErrCancelled = errors.New("unison: request was cancelled")

	// ErrReservedStream is returned when application code attempts to
	// open a stream id in the 1-99 reserved range (§3.4).
	ErrReservedStream = errors.New("unison: stream id is reserved for system use")

	// ErrHandshakeNotReady is returned when application data is sent
	// or delivered on a user stream before the handshake reaches Ready (§3.6).
	ErrHandshakeNotReady = errors.New("unison: handshake has not reached ready state")

	// ErrHandshakeFailed is returned when the handshake state machine
	// terminates in the Failed state.
	ErrHandshakeFailed = errors.New("unison: handshake failed")

	// ErrSequenceRegression is returned when an inbound packet's
	// sequence number does not strictly increase on its stream (§3.6).
	ErrSequenceRegression = errors.New("unison: sequence number did not increase")

	// ErrStreamIDMismatch is returned when a packet header's stream_id
	// does not match the QUIC stream it arrived on (§3.6).
	ErrStreamIDMismatch = errors.New("unison: header stream id does not match transport stream")

	// ErrMessageIDExhausted is returned when a connection's message id
	// counter wraps around 2^64 (§4.7, not expected in practice).
	ErrMessageIDExhausted = errors.New("unison: message id counter exhausted")

	// ErrViewRequiresUncompressed is returned by ViewPayload when the
	// packet's payload is compressed; zero-copy views are only
	// available for uncompressed payloads (§4.2).
	ErrViewRequiresUncompressed = errors.New("unison: zero-copy view unavailable for compressed payload")
)

// HeaderErrorKind enumerates the ways DecodeHeader can fail (§4.1).
type HeaderErrorKind int

const (
	HeaderInvalidSize HeaderErrorKind = iota
	HeaderUnsupportedVersion
	HeaderReservedFlagSet
	HeaderInvalidRole
	HeaderInconsistentCompression
)

func (k HeaderErrorKind) String() string {
	switch k {
	case HeaderInvalidSize:
		return "InvalidSize"
	case HeaderUnsupportedVersion:
		return "UnsupportedVersion"
	case HeaderReservedFlagSet:
		return "ReservedFlagSet"
	case HeaderInvalidRole:
		return "InvalidRole"
	case HeaderInconsistentCompression:
		return "InconsistentCompression"
	default:
		return "Unknown"
	}
}

// HeaderError reports why DecodeHeader failed.
type HeaderError struct {
	Kind   HeaderErrorKind
	Detail string
}

func (e *HeaderError) Error() string {
	if e.Detail == "" {
		return "unison: header decode failed: " + e.Kind.String()
	}
	return fmt.Sprintf("unison: header decode failed: %s: %s", e.Kind, e.Detail)
}

// PayloadErrorKind enumerates payload codec failures (§4.2, §7).
type PayloadErrorKind int

const (
	PayloadChecksumMismatch PayloadErrorKind = iota
	PayloadDecompressionFailed
	PayloadInvalidArchive
	PayloadTooLarge
)

func (k PayloadErrorKind) String() string {
	switch k {
	case PayloadChecksumMismatch:
		return "ChecksumMismatch"
	case PayloadDecompressionFailed:
		return "DecompressionFailed"
	case PayloadInvalidArchive:
		return "InvalidArchive"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	default:
		return "Unknown"
	}
}

// PayloadError reports why payload encode/decode failed.
type PayloadError struct {
	Kind PayloadErrorKind
	Size int  // for PayloadTooLarge
	Max  int  // for PayloadTooLarge
	Err  error
}

func (e *PayloadError) Error() string {
	switch e.Kind {
	case PayloadTooLarge:
		return fmt.Sprintf("unison: payload too large: %d bytes exceeds max %d", e.Size, e.Max)
	default:
		if e.Err != nil {
			return fmt.Sprintf("unison: payload error: %s: %s", e.Kind, e.Err)
		}
		return "unison: payload error: " + e.Kind.String()
	}
}

func (e *PayloadError) Unwrap() error { return e.Err }

// PacketErrorKind enumerates Packet-level build/parse failures (§4.3).
type PacketErrorKind int

const (
	PacketInvalidHeader PacketErrorKind = iota
	PacketPayloadTooLarge
	PacketUnsupportedVersion
	PacketChecksumMismatch
	PacketDecompressionFailed
	PacketInvalidArchive
)

func (k PacketErrorKind) String() string {
	switch k {
	case PacketInvalidHeader:
		return "InvalidHeader"
	case PacketPayloadTooLarge:
		return "PayloadTooLarge"
	case PacketUnsupportedVersion:
		return "UnsupportedVersion"
	case PacketChecksumMismatch:
		return "ChecksumMismatch"
	case PacketDecompressionFailed:
		return "DecompressionFailed"
	case PacketInvalidArchive:
		return "InvalidArchive"
	default:
		return "Unknown"
	}
}

// PacketError reports why building or parsing a Packet failed.
type PacketError struct {
	Kind PacketErrorKind
	Err  error
}

func (e *PacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unison: packet error: %s: %s", e.Kind, e.Err)
	}
	return "unison: packet error: " + e.Kind.String()
}

func (e *PacketError) Unwrap() error { return e.Err }

// RpcErrorKind enumerates the outcomes a send_request caller can
// observe (§7): exactly one of these, never two.
type RpcErrorKind int

const (
	RpcTimeout RpcErrorKind = iota
	RpcCancelled
	RpcTransport
	RpcClosedByPeer
	RpcPayloadTooLarge
	RpcRemote
)

func (k RpcErrorKind) String() string {
	switch k {
	case RpcTimeout:
		return "Timeout"
	case RpcCancelled:
		return "Cancelled"
	case RpcTransport:
		return "Transport"
	case RpcClosedByPeer:
		return "ClosedByPeer"
	case RpcPayloadTooLarge:
		return "PayloadTooLarge"
	case RpcRemote:
		return "Remote"
	default:
		return "Unknown"
	}
}

// RemoteError is the structured error a peer can attach to a Response
// whose header has the ERROR flag set (§7).
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("unison: remote error %s: %s", e.Code, e.Message)
}

// RpcError is returned by Connection.SendRequest. Exactly one of Remote
// or a wrapped transport error is set, matching its Kind.
type RpcError struct {
	Kind   RpcErrorKind
	Remote *RemoteError
	Err    error
}

func (e *RpcError) Error() string {
	switch e.Kind {
	case RpcRemote:
		return e.Remote.Error()
	default:
		if e.Err != nil {
			return fmt.Sprintf("unison: rpc %s: %s", e.Kind, e.Err)
		}
		return "unison: rpc " + e.Kind.String()
	}
}

func (e *RpcError) Unwrap() error {
	if e.Kind == RpcRemote {
		return e.Remote
	}
	return e.Err
}

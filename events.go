package unison

import (
	"github.com/KarpelesLab/emitter"
)

// Event names emitted on a Connection's Events hub (§6.3).
const (
	// EventReady fires once the handshake on stream 1 reaches Ready.
	// Handlers receive the NegotiatedConfig.
	EventReady = "ready"

	// EventClosed fires once when a connection tears down, whether
	// initiated locally, by the peer, or by a transport failure.
	// Handlers receive a *ClosedEvent.
	EventClosed = "closed"

	// EventIncomingStream fires when a new user stream (id >= 100) is
	// accepted from the peer. Handlers receive a *UserStream.
	EventIncomingStream = "incoming_stream"

	// EventHandshakeFailed fires if the handshake terminates in
	// Failed. Handlers receive a *HandshakeFailedError.
	EventHandshakeFailed = "handshake_failed"
)

// ClosedEvent describes why a Connection was torn down (§4.8).
type ClosedEvent struct {
	Reason error
}

// newEventHub gives every Connection its own Hub that application
// code subscribes to with On.
func newEventHub() *emitter.Hub {
	return emitter.New()
}

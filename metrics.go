package unison

import "time"

// Metrics is a point-in-time snapshot of a Connection's traffic and
// liveness, letting collaborators observe connection health without
// tapping the wire themselves.
type Metrics struct {
	InFlightRequests   int
	BytesSent          uint64
	BytesReceived      uint64
	LastHeartbeatAt    time.Time // zero if no heartbeat observed yet
	RTT                time.Duration
	ChecksumMismatches uint64
}

// Metrics returns a snapshot of this connection's current counters.
func (c *Connection) Metrics() Metrics {
	var lastHB time.Time
	if v := c.lastHeartbeatAt.Load(); v != 0 {
		lastHB = time.UnixMicro(v)
	}
	return Metrics{
		InFlightRequests:   c.tracker.Pending(),
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		LastHeartbeatAt:    lastHB,
		RTT:                time.Duration(c.rttNanos.Load()),
		ChecksumMismatches: c.checksumMismatches.Load(),
	}
}

// NegotiatedCapabilities returns the capability intersection computed
// during the handshake (§4.5), or nil before the handshake completes.
func (c *Connection) NegotiatedCapabilities() []string {
	if c.hs.Err() != nil {
		return nil
	}
	select {
	case <-c.hs.Done():
		return c.hs.Negotiated().Capabilities
	default:
		return nil
	}
}

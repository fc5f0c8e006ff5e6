package unison

import (
	"context"
	"time"
)

// UserStream is an application-assignable bidirectional stream (id
// >= 100), either opened locally via Connection.OpenUserStream or
// accepted from the peer and surfaced through
// Connection.IncomingUserStreams (§4.4, §4.6).
type UserStream struct {
	conn *Connection
	id   uint64
	qs   quicStream

	incoming chan *Packet
	closed   chan struct{}
}

func newUserStream(c *Connection, id uint64, qs quicStream) *UserStream {
	return &UserStream{
		conn:     c,
		id:       id,
		qs:       qs,
		incoming: make(chan *Packet, 32),
		closed:   make(chan struct{}),
	}
}

// ID returns the stream's logical id.
func (u *UserStream) ID() uint64 { return u.id }

func (u *UserStream) deliver(p *Packet) {
	select {
	case u.incoming <- p:
	case <-u.closed:
	}
}

// Recv returns the next inbound packet on this stream, blocking until
// one arrives, the stream closes, or ctx is cancelled.
func (u *UserStream) Recv(ctx context.Context) (*Packet, error) {
	select {
	case p, ok := <-u.incoming:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return p, nil
	case <-u.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendOneway writes a oneway packet on this stream.
func (u *UserStream) SendOneway(ctx context.Context, payload any, flags PacketFlags) error {
	return u.conn.SendOneway(ctx, u.id, payload, flags)
}

// SendRequest writes a request on this stream and awaits its response.
func (u *UserStream) SendRequest(ctx context.Context, payload any, flags PacketFlags, timeout time.Duration) (*Packet, error) {
	return u.conn.SendRequest(ctx, u.id, payload, flags, timeout)
}

// SendResponse completes a request received on this stream.
func (u *UserStream) SendResponse(ctx context.Context, requestMessageID uint64, payload any, flags PacketFlags) error {
	return u.conn.SendResponse(ctx, u.id, requestMessageID, payload, flags)
}

// Close closes the underlying QUIC stream.
func (u *UserStream) Close() error {
	select {
	case <-u.closed:
		return nil
	default:
		close(u.closed)
	}
	return u.qs.Close()
}

package unison

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarpelesLab/emitter"
	"github.com/google/uuid"
)

// quicStream is the narrow surface Connection needs from a QUIC
// bidirectional stream. quic-go's *quic.Stream already implements it
// directly; it exists so tests can substitute an in-memory pipe.
type quicStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// quicConn is the narrow surface Connection needs from a QUIC
// connection (§9's closed-enum transport pattern rendered as an
// unexported interface with exactly two implementers: quicConnAdapter
// wrapping a real *quic.Conn, and the in-memory mock used in tests).
type quicConn interface {
	OpenStreamSync(ctx context.Context) (quicStream, error)
	AcceptStream(ctx context.Context) (quicStream, error)
	CloseWithError(code uint64, reason string) error
	Context() context.Context
}

// ConnectionConfig bundles what a Connection needs to run the
// handshake and enforce local policy, independent of how it was
// established (dialed or accepted).
type ConnectionConfig struct {
	Identity  *NodeIdentity
	NetworkID [16]byte
	NodeType  NodeType
	Local     LocalConfig
	Verify    AuthVerifier
	Log       *slog.Logger
}

// Connection is one QUIC connection to a peer, past the handshake
// (§3.5, §4.6). It owns the stream registry, the request/response
// tracker, and dispatch of inbound packets to the application.
type Connection struct {
	conn   quicConn
	cfg    ConnectionConfig
	log    *slog.Logger
	Events *emitter.Hub

	registry *StreamRegistry
	tracker  *Tracker
	hs       *Handshake

	traceID string

	mu           sync.Mutex
	streams      map[uint64]quicStream
	writeLocks   map[uint64]*sync.Mutex
	dispatch     PacketHandler
	incomingUser chan *UserStream

	handshakeStream quicStream

	nextUserStreamID uint64 // atomic, starts at StreamUserMin-1

	lastPeerActivity   atomic.Int64 // unix micros
	lastHeartbeatAt    atomic.Int64 // unix micros
	bytesSent          atomic.Uint64
	bytesReceived      atomic.Uint64
	rttNanos           atomic.Int64
	checksumMismatches atomic.Uint64

	// pendingUser buffers inbound user-stream packets that arrive while
	// the handshake has not yet reached Ready (§3.6). It is flushed to
	// the application on Ready and discarded on Failed.
	pendingMu       sync.Mutex
	pendingUser     []pendingUserPacket
	pendingBytes    int
	pendingResolved bool
	pendingReady    bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// pendingUserPacket is one inbound user-stream packet held back until
// the handshake resolves.
type pendingUserPacket struct {
	us *UserStream
	p  *Packet
}

// PacketHandler is invoked once per inbound application packet, per
// §4.6.1 step 7. It is installed via OnPacket; with none installed, such packets are dropped;
// most applications read from IncomingUserStreams instead and handle
// dispatch via UserStream.Recv.
type PacketHandler func(stream *UserStream, p *Packet)

// newConnection wraps an established quicConn. Which side opens versus
// accepts the handshake stream is decided later, by bootstrap's isDialer.
func newConnection(conn quicConn, cfg ConnectionConfig) *Connection {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Connection{
		conn:             conn,
		cfg:              cfg,
		log:              cfg.Log,
		Events:           newEventHub(),
		registry:         NewStreamRegistry(),
		tracker:          NewTracker(),
		traceID:          uuid.NewString(),
		streams:          make(map[uint64]quicStream),
		writeLocks:       make(map[uint64]*sync.Mutex),
		incomingUser:     make(chan *UserStream, 16),
		nextUserStreamID: StreamUserMin - 1,
		closed:           make(chan struct{}),
	}
	c.hs = NewHandshake(cfg.Identity, cfg.NetworkID, cfg.NodeType, nil, cfg.Local, cfg.Verify, c, cfg.Log.With("trace_id", c.traceID))
	return c
}

// bootstrap establishes the handshake stream (opening it if isDialer,
// else accepting the peer's) and runs the handshake to completion,
// per §4.5. It returns once the handshake reaches Ready or Failed.
func (c *Connection) bootstrap(ctx context.Context, isDialer bool) error {
	var s1 quicStream
	var err error
	if isDialer {
		s1, err = c.conn.OpenStreamSync(ctx)
	} else {
		s1, err = c.conn.AcceptStream(ctx)
	}
	if err != nil {
		return fmt.Errorf("unison: establishing handshake stream: %w", err)
	}

	c.mu.Lock()
	c.streams[StreamHandshake] = s1
	c.handshakeStream = s1
	c.mu.Unlock()
	c.registry.internalOpen(StreamHandshake)

	go c.readLoop(StreamHandshake, s1, nil)
	go c.acceptLoop(context.Background())

	if err := c.hs.Start(ctx); err != nil {
		return err
	}

	select {
	case <-c.hs.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if hsErr := c.hs.Err(); hsErr != nil {
		c.Events.Emit(EventHandshakeFailed, hsErr)
		c.dropPendingUser()
		c.teardown(hsErr)
		return hsErr
	}

	c.Events.Emit(EventReady, c.hs.Negotiated())
	c.flushPendingUser()
	return nil
}

// acceptLoop accepts streams the peer opens after the handshake
// stream, for the lifetime of the connection.
func (c *Connection) acceptLoop(ctx context.Context) {
	for {
		qs, err := c.conn.AcceptStream(ctx)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.teardown(fmt.Errorf("unison: accept stream: %w", err))
			}
			return
		}
		go c.onIncomingStream(qs)
	}
}

// onIncomingStream reads the first packet to learn its logical stream
// id, registers the mapping, and then continues reading packets per
// §4.6.1. A stream whose first packet cannot be decoded at all (a
// malformed header, a stream-id violation) is a protocol error and
// closes the connection; a checksum mismatch or a corrupt archive on
// that first packet is handled the same as any other inbound packet
// (§4.6.2) via classifyFrameError.
func (c *Connection) onIncomingStream(qs quicStream) {
	br := bufio.NewReaderSize(qs, HeaderSize+4096)
	p, id, err := readPacket(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		switch classifyFrameError(err) {
		case frameActionDropPacket:
			us := c.registerIncomingStream(id, qs)
			c.checksumMismatches.Add(1)
			c.log.Debug("checksum mismatch on first packet of incoming stream, dropping", "stream_id", id)
			c.readLoopFrom(id, qs, br, us)
		case frameActionCloseStream:
			c.log.Debug("decompression failure on first packet of incoming stream, closing stream", "stream_id", id, "err", err)
			qs.Close()
		default:
			c.teardown(fmt.Errorf("unison: decoding first packet on incoming stream: %w", err))
		}
		return
	}

	us := c.registerIncomingStream(id, qs)
	c.dispatchInbound(id, us, p)
	c.readLoopFrom(id, qs, br, us)
}

// registerIncomingStream records qs under its logical id and, if the
// id resolves to a user stream, wraps and announces it.
func (c *Connection) registerIncomingStream(id uint64, qs quicStream) *UserStream {
	c.mu.Lock()
	c.streams[id] = qs
	c.mu.Unlock()
	role, regErr := c.registry.Open(id)
	if regErr != nil {
		role = c.registry.internalOpen(id)
	}
	if role != RoleUser {
		return nil
	}
	us := newUserStream(c, id, qs)
	select {
	case c.incomingUser <- us:
	case <-c.closed:
	}
	c.Events.Emit(EventIncomingStream, us)
	return us
}

// readLoop is used for the handshake and keepalive streams, which
// Connection already knows the logical id of before the first packet
// arrives, and for locally opened user streams.
func (c *Connection) readLoop(id uint64, qs quicStream, us *UserStream) {
	br := bufio.NewReaderSize(qs, HeaderSize+4096)
	c.readLoopFrom(id, qs, br, us)
}

// frameErrorAction decides how readLoopFrom/onIncomingStream react to
// a failure decoding one packet (§4.6.2).
type frameErrorAction int

const (
	// frameActionTeardownConnection is for protocol violations that
	// leave the stream's framing unrecoverable: a malformed header or
	// a stream-id mismatch.
	frameActionTeardownConnection frameErrorAction = iota
	// frameActionDropPacket is for a checksum mismatch: the packet is
	// discarded but the connection and stream stay open, and a counter
	// increments (spec §4.6.2 scenario S5).
	frameActionDropPacket
	// frameActionCloseStream is for a corrupt compressed archive: only
	// the stream the packet arrived on is closed.
	frameActionCloseStream
)

func classifyFrameError(err error) frameErrorAction {
	var pe *PacketError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case PacketChecksumMismatch:
			return frameActionDropPacket
		case PacketDecompressionFailed:
			return frameActionCloseStream
		}
	}
	return frameActionTeardownConnection
}

func (c *Connection) readLoopFrom(id uint64, qs quicStream, br *bufio.Reader, us *UserStream) {
	for {
		p, gotID, err := readPacket(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			switch classifyFrameError(err) {
			case frameActionDropPacket:
				c.checksumMismatches.Add(1)
				c.log.Debug("checksum mismatch on inbound packet, dropping", "stream_id", id)
				continue
			case frameActionCloseStream:
				c.log.Debug("decompression failure on inbound packet, closing stream", "stream_id", id, "err", err)
				qs.Close()
				return
			default:
				c.teardown(fmt.Errorf("unison: reading stream %d: %w", id, err))
				return
			}
		}
		if gotID != id {
			c.teardown(ErrStreamIDMismatch)
			return
		}
		c.dispatchInbound(id, us, p)
	}
}

// readPacket reads exactly one Packet from br: the fixed header, then
// its declared payload bytes.
func readPacket(br *bufio.Reader) (*Packet, uint64, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, 0, err
	}
	h, err := DecodeHeader(hdr)
	if err != nil {
		return nil, 0, err
	}
	payload := make([]byte, h.ActualPayloadSize())
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, 0, err
	}
	full := make([]byte, 0, len(hdr)+len(payload))
	full = append(full, hdr...)
	full = append(full, payload...)
	p, err := FromBytes(full)
	if err != nil {
		return nil, h.StreamID, err
	}
	return p, h.StreamID, nil
}

// dispatchInbound implements §4.6.1 steps 3-7 for one decoded packet.
func (c *Connection) dispatchInbound(streamID uint64, us *UserStream, p *Packet) {
	h := p.Header()
	c.lastPeerActivity.Store(nowMicros())
	c.bytesReceived.Add(uint64(HeaderSize + len(p.WireBytes())))

	if err := c.registry.ObserveInbound(streamID, h.SequenceNumber); err != nil {
		c.log.Debug("sequence regression, dropping packet", "stream_id", streamID)
		return
	}

	if h.Type == PacketTypeHeartbeat || h.Flags.Has(FlagKeepalive) {
		c.lastHeartbeatAt.Store(nowMicros())
		return
	}

	if h.Type == PacketTypeHandshake && streamID == StreamHandshake {
		if err := c.hs.Feed(context.Background(), p); err != nil {
			c.log.Debug("handshake feed failed", "err", err)
		}
		return
	}

	if h.ResponseTo > 0 {
		if h.Flags.Has(FlagError) {
			remote, err := Payload[RemoteError](p)
			if err != nil {
				c.log.Warn("malformed remote error response, dropping", "message_id", h.ResponseTo)
				return
			}
			if !c.tracker.DeliverError(h.ResponseTo, &RpcError{Kind: RpcRemote, Remote: &remote}) {
				c.log.Debug("response for unknown or completed request, dropping", "message_id", h.ResponseTo)
			}
			return
		}
		if !c.tracker.Deliver(h.ResponseTo, p) {
			c.log.Debug("response for unknown or completed request, dropping", "message_id", h.ResponseTo)
		}
		return
	}

	if us != nil {
		c.deliverUserPacket(us, p)
		return
	}

	c.mu.Lock()
	handler := c.dispatch
	c.mu.Unlock()
	if handler != nil {
		handler(nil, p)
	}
}

// deliverUserPacket implements §3.6/§4.5's invariant that no
// application data reaches a user stream (id >= 100) before the
// handshake reaches Ready: a packet arriving while the handshake is
// still running is buffered (up to MaxPendingUserBytes) and delivered
// once flushPendingUser runs on Ready, or discarded by dropPendingUser
// on Failed. pendingResolved is set exactly once, under pendingMu, so
// a packet is never both buffered and delivered directly.
func (c *Connection) deliverUserPacket(us *UserStream, p *Packet) {
	c.pendingMu.Lock()
	if c.pendingResolved {
		ready := c.pendingReady
		c.pendingMu.Unlock()
		if ready {
			us.deliver(p)
		}
		return
	}

	size := HeaderSize + len(p.WireBytes())
	if c.pendingBytes+size > MaxPendingUserBytes {
		c.pendingMu.Unlock()
		c.log.Debug("pre-ready user stream buffer full, dropping packet", "stream_id", us.ID())
		return
	}
	c.pendingUser = append(c.pendingUser, pendingUserPacket{us: us, p: p})
	c.pendingBytes += size
	c.pendingMu.Unlock()
}

// flushPendingUser delivers every buffered pre-Ready user-stream
// packet, in arrival order, and marks the handshake as resolved-ready
// so any later race lands in the ready branch of deliverUserPacket
// above instead of the buffer.
func (c *Connection) flushPendingUser() {
	c.pendingMu.Lock()
	c.pendingResolved = true
	c.pendingReady = true
	pending := c.pendingUser
	c.pendingUser = nil
	c.pendingBytes = 0
	c.pendingMu.Unlock()

	for _, d := range pending {
		d.us.deliver(d.p)
	}
}

// dropPendingUser discards every buffered pre-Ready user-stream packet
// because the handshake reached Failed instead of Ready (§4.5).
func (c *Connection) dropPendingUser() {
	c.pendingMu.Lock()
	c.pendingResolved = true
	c.pendingReady = false
	c.pendingUser = nil
	c.pendingBytes = 0
	c.pendingMu.Unlock()
}

// OnPacket installs the application dispatcher called for inbound
// packets that are neither handshake, heartbeat, nor tracked
// responses, and that did not arrive on a tracked UserStream.
func (c *Connection) OnPacket(h PacketHandler) {
	c.mu.Lock()
	c.dispatch = h
	c.mu.Unlock()
}

// IncomingUserStreams returns the channel of streams the peer opens,
// for applications that model communication as streams rather than
// individual packets (§4.6 supplement).
func (c *Connection) IncomingUserStreams() <-chan *UserStream {
	return c.incomingUser
}

// writeLockFor returns the mutex serializing writes to a logical
// stream, creating it on first use. §5 requires independent
// per-stream write serialization rather than one connection-wide lock.
func (c *Connection) writeLockFor(id uint64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.writeLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.writeLocks[id] = m
	}
	return m
}

func (c *Connection) streamFor(id uint64) (quicStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qs, ok := c.streams[id]
	return qs, ok
}

func (c *Connection) writePacket(id uint64, p *Packet) error {
	qs, ok := c.streamFor(id)
	if !ok {
		return fmt.Errorf("unison: stream %d is not open", id)
	}
	lock := c.writeLockFor(id)
	lock.Lock()
	defer lock.Unlock()
	wire := p.ToBytes()
	n, err := qs.Write(wire)
	c.bytesSent.Add(uint64(n))
	return err
}

// SendOneway implements §4.6's send_oneway: message_id=0, response_to=0.
func (c *Connection) SendOneway(ctx context.Context, streamID uint64, payload any, flags PacketFlags) error {
	seq := c.registry.NextSequence(streamID)
	b := NewPacketBuilder().Flags(flags).StreamID(streamID).SequenceNumber(seq).WithChecksum()
	p, err := Build[any](b, payload)
	if err != nil {
		return err
	}
	return c.writePacket(streamID, p)
}

// SendRequest implements §4.6's send_request: allocates a message id,
// installs a tracker waiter, writes the packet, and suspends until a
// matching Response arrives or timeout elapses (§4.7).
func (c *Connection) SendRequest(ctx context.Context, streamID uint64, payload any, flags PacketFlags, timeout time.Duration) (*Packet, error) {
	msgID, waiter, err := c.tracker.Register()
	if err != nil {
		return nil, &RpcError{Kind: RpcTransport, Err: err}
	}

	seq := c.registry.NextSequence(streamID)
	b := NewPacketBuilder().Flags(flags).StreamID(streamID).SequenceNumber(seq).MessageID(msgID).WithChecksum()
	p, err := Build[any](b, payload)
	if err != nil {
		waiter.release()
		return nil, &RpcError{Kind: RpcPayloadTooLarge, Err: err}
	}

	sentAt := time.Now()
	if err := c.writePacket(streamID, p); err != nil {
		waiter.release()
		return nil, &RpcError{Kind: RpcTransport, Err: err}
	}

	resp, err := waiter.Await(ctx, timeout)
	if err == nil {
		c.rttNanos.Store(int64(time.Since(sentAt)))
	}
	return resp, err
}

// SendResponse implements §4.6's send_response: response_to is set to
// the original request's message id; the response gets its own fresh
// message id, per §3.2's role table (only response_to need match the
// request, message_id itself just needs to be nonzero).
func (c *Connection) SendResponse(ctx context.Context, streamID uint64, requestMessageID uint64, payload any, flags PacketFlags) error {
	msgID, err := c.tracker.NextMessageID()
	if err != nil {
		return err
	}
	seq := c.registry.NextSequence(streamID)
	b := NewPacketBuilder().Flags(flags).StreamID(streamID).SequenceNumber(seq).MessageID(msgID).ResponseTo(requestMessageID).WithChecksum()
	p, err := Build[any](b, payload)
	if err != nil {
		return err
	}
	return c.writePacket(streamID, p)
}

// SendErrorResponse completes a Request with a structured RemoteError
// instead of an ordinary payload, setting the ERROR flag (§7).
func (c *Connection) SendErrorResponse(ctx context.Context, streamID uint64, requestMessageID uint64, remote RemoteError) error {
	return c.SendResponse(ctx, streamID, requestMessageID, remote, FlagError)
}

// OpenUserStream asks the transport for a new bidirectional stream
// with a logical id >= 100 and registers it (§4.6).
func (c *Connection) OpenUserStream(ctx context.Context) (*UserStream, error) {
	select {
	case <-c.hs.Done():
		if c.hs.Err() != nil {
			return nil, ErrHandshakeFailed
		}
	default:
		return nil, ErrHandshakeNotReady
	}

	id := atomic.AddUint64(&c.nextUserStreamID, 1)
	qs, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("unison: opening user stream: %w", err)
	}

	c.mu.Lock()
	c.streams[id] = qs
	c.mu.Unlock()
	c.registry.internalOpen(id)

	us := newUserStream(c, id, qs)
	go c.readLoop(id, qs, us)
	return us, nil
}

// Close tears down the connection locally.
func (c *Connection) Close() error {
	c.teardown(nil)
	return nil
}

// Done returns a channel closed once the connection has torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection was torn down, or nil if it
// is still open or was closed locally and cleanly.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Connection) teardown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		if reason == nil {
			c.conn.CloseWithError(0, "")
		} else {
			c.conn.CloseWithError(1, reason.Error())
		}
		c.tracker.CloseAll()
		close(c.closed)
		c.Events.Emit(EventClosed, &ClosedEvent{Reason: reason})
	})
}

// --- handshakeTransport implementation ---

func (c *Connection) nextMessageID() (uint64, error) {
	return c.tracker.NextMessageID()
}

func (c *Connection) sendHandshake(ctx context.Context, msgID uint64, t PacketType, payload any) error {
	seq := c.registry.NextSequence(StreamHandshake)
	b := NewPacketBuilder().Type(t).StreamID(StreamHandshake).SequenceNumber(seq).MessageID(msgID)
	p, err := Build[any](b, payload)
	if err != nil {
		return err
	}
	return c.writePacket(StreamHandshake, p)
}

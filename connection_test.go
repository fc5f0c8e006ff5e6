package unison

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStream is an in-memory quicStream backed by a pair of io.Pipes, so
// connection_test.go can exercise Connection without a real QUIC socket.
type memStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *memStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memStream) Close() error                { return s.w.Close() }

func newMemStreamPair() (a, b quicStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &memStream{r: r1, w: w2}, &memStream{r: r2, w: w1}
}

// memConn is an in-memory quicConn; newMemConnPair wires two of them
// together so each side's OpenStreamSync is the other's AcceptStream,
// mirroring the real *quic.Conn contract Connection relies on.
type memConn struct {
	peer   *memConn
	accept chan quicStream
	ctx    context.Context
	cancel context.CancelFunc
}

func newMemConnPair() (a, b *memConn) {
	a = &memConn{accept: make(chan quicStream, 16)}
	b = &memConn{accept: make(chan quicStream, 16)}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	b.ctx, b.cancel = context.WithCancel(context.Background())
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) OpenStreamSync(ctx context.Context) (quicStream, error) {
	mine, theirs := newMemStreamPair()
	select {
	case c.peer.accept <- theirs:
		return mine, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (quicStream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *memConn) CloseWithError(code uint64, reason string) error {
	c.cancel()
	return nil
}

func (c *memConn) Context() context.Context { return c.ctx }

// newConnectedPair builds two bootstrapped Connections joined by an
// in-memory transport, completing the real handshake over it.
func newConnectedPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	clientID, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}
	serverID, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}
	var networkID [16]byte
	networkID[0] = 0x42

	ca, cb := newMemConnPair()
	client = newConnection(ca, ConnectionConfig{Identity: clientID, NetworkID: networkID, NodeType: NodeTypeAgent, Local: DefaultLocalConfig()})
	server = newConnection(cb, ConnectionConfig{Identity: serverID, NetworkID: networkID, NodeType: NodeTypeHub, Local: DefaultLocalConfig()})

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = client.bootstrap(context.Background(), true)
	}()
	go func() {
		defer wg.Done()
		serverErr = server.bootstrap(context.Background(), false)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client bootstrap: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server bootstrap: %v", serverErr)
	}
	return client, server
}

func TestConnectionBootstrapReachesReady(t *testing.T) {
	client, server := newConnectedPair(t)
	defer client.Close()
	defer server.Close()

	if client.hs.State() != HandshakeReady || server.hs.State() != HandshakeReady {
		t.Fatalf("expected both sides ready, got client=%s server=%s", client.hs.State(), server.hs.State())
	}
	if client.hs.Negotiated().PeerNodeID == "" || server.hs.Negotiated().PeerNodeID == "" {
		t.Fatalf("expected both sides to learn a non-empty peer node id")
	}
}

func TestOpenUserStreamAndIncomingDelivery(t *testing.T) {
	client, server := newConnectedPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}
	if us.ID() < StreamUserMin {
		t.Fatalf("expected a user-range stream id, got %d", us.ID())
	}

	if err := us.SendOneway(ctx, samplePayload{Name: "hi", Count: 1}, 0); err != nil {
		t.Fatalf("send oneway: %v", err)
	}

	var serverStream *UserStream
	select {
	case serverStream = <-server.IncomingUserStreams():
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server to observe the incoming stream")
	}

	p, err := serverStream.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	out, err := Payload[samplePayload](p)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if out.Name != "hi" || out.Count != 1 {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestSendRequestSendResponseRoundTrip(t *testing.T) {
	client, server := newConnectedPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}

	respCh := make(chan *Packet, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := us.SendRequest(ctx, samplePayload{Name: "ping"}, 0, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- p
	}()

	serverStream := <-server.IncomingUserStreams()
	req, err := serverStream.Recv(ctx)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	reqPayload, err := Payload[samplePayload](req)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if reqPayload.Name != "ping" {
		t.Fatalf("unexpected request payload: %+v", reqPayload)
	}
	if err := serverStream.SendResponse(ctx, req.Header().MessageID, samplePayload{Name: "pong"}, 0); err != nil {
		t.Fatalf("send response: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("unexpected request error: %v", err)
	case p := <-respCh:
		out, err := Payload[samplePayload](p)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if out.Name != "pong" {
			t.Fatalf("unexpected response payload: %+v", out)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for response")
	}
}

func TestSendErrorResponseSurfacesRemoteError(t *testing.T) {
	client, server := newConnectedPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := us.SendRequest(ctx, samplePayload{Name: "boom"}, 0, time.Second)
		errCh <- err
	}()

	serverStream := <-server.IncomingUserStreams()
	req, err := serverStream.Recv(ctx)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if err := server.SendErrorResponse(ctx, serverStream.ID(), req.Header().MessageID, RemoteError{Code: "bad_request", Message: "nope"}); err != nil {
		t.Fatalf("send error response: %v", err)
	}

	select {
	case err := <-errCh:
		rpcErr, ok := err.(*RpcError)
		if !ok || rpcErr.Kind != RpcRemote {
			t.Fatalf("expected RpcRemote, got %v", err)
		}
		if rpcErr.Remote == nil || rpcErr.Remote.Code != "bad_request" {
			t.Fatalf("unexpected remote error: %+v", rpcErr.Remote)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the error response")
	}
}

// TestChecksumMismatchDropsPacketKeepsConnectionOpen mirrors spec
// scenario S5 (§4.6.2): a packet whose checksum no longer matches its
// payload is dropped, the connection and the stream it arrived on stay
// open, and Metrics().ChecksumMismatches counts it.
func TestChecksumMismatchDropsPacketKeepsConnectionOpen(t *testing.T) {
	client, server := newConnectedPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}

	b := NewPacketBuilder().StreamID(us.ID()).SequenceNumber(1).WithChecksum()
	p, err := Build[any](b, samplePayload{Name: "corrupt", Count: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	wire := p.ToBytes()
	wire[len(wire)-1] ^= 0xFF // flip a payload byte without touching the checksum field
	if _, err := us.qs.Write(wire); err != nil {
		t.Fatalf("write corrupt packet: %v", err)
	}

	// registerIncomingStream runs (and announces the stream) even when
	// its first packet fails to decode, so this only unblocks once the
	// server has processed the corrupt packet above.
	var serverStream *UserStream
	select {
	case serverStream = <-server.IncomingUserStreams():
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the server to observe the incoming stream")
	}

	if err := us.SendOneway(ctx, samplePayload{Name: "after", Count: 2}, 0); err != nil {
		t.Fatalf("send oneway: %v", err)
	}

	got, err := serverStream.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	out, err := Payload[samplePayload](got)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if out.Name != "after" {
		t.Fatalf("unexpected payload: %+v", out)
	}

	deadline := time.After(time.Second)
	for server.Metrics().ChecksumMismatches == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected ChecksumMismatches to increment")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if server.Err() != nil {
		t.Fatalf("expected the connection to remain open after a checksum mismatch, got %v", server.Err())
	}
}

// TestDeliverUserPacketBuffersPreReadyThenFlushesOnReady exercises the
// pre-Ready gating deliverUserPacket/flushPendingUser implement
// directly (§3.6): a packet handed to deliverUserPacket before the
// handshake resolves is held back, not delivered, until
// flushPendingUser runs, and a packet arriving afterwards goes straight
// through.
func TestDeliverUserPacketBuffersPreReadyThenFlushesOnReady(t *testing.T) {
	c := &Connection{log: slog.Default()}
	us := &UserStream{incoming: make(chan *Packet, 4), closed: make(chan struct{})}

	p1, err := Build[any](NewPacketBuilder().StreamID(200).SequenceNumber(1), samplePayload{Name: "buffered"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c.deliverUserPacket(us, p1)

	select {
	case <-us.incoming:
		t.Fatalf("expected the packet to be buffered, not delivered, before Ready")
	default:
	}

	c.flushPendingUser()

	select {
	case got := <-us.incoming:
		out, err := Payload[samplePayload](got)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if out.Name != "buffered" {
			t.Fatalf("unexpected payload: %+v", out)
		}
	default:
		t.Fatalf("expected the buffered packet to be delivered after flushPendingUser")
	}

	p2, err := Build[any](NewPacketBuilder().StreamID(200).SequenceNumber(2), samplePayload{Name: "live"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c.deliverUserPacket(us, p2)

	select {
	case got := <-us.incoming:
		out, err := Payload[samplePayload](got)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if out.Name != "live" {
			t.Fatalf("unexpected payload: %+v", out)
		}
	default:
		t.Fatalf("expected a post-Ready packet to be delivered immediately")
	}
}

// TestDeliverUserPacketDropsBufferOnFailed covers the Failed half of
// §4.5: packets buffered while the handshake was still running must
// never reach the application once the handshake ends in Failed.
func TestDeliverUserPacketDropsBufferOnFailed(t *testing.T) {
	c := &Connection{log: slog.Default()}
	us := &UserStream{incoming: make(chan *Packet, 4), closed: make(chan struct{})}

	p, err := Build[any](NewPacketBuilder().StreamID(200).SequenceNumber(1), samplePayload{Name: "buffered"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c.deliverUserPacket(us, p)
	c.dropPendingUser()

	select {
	case <-us.incoming:
		t.Fatalf("expected the buffered packet to be discarded on Failed, not delivered")
	default:
	}
}

func TestCloseTearsDownPendingRequests(t *testing.T) {
	client, server := newConnectedPair(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	us, err := client.OpenUserStream(ctx)
	if err != nil {
		t.Fatalf("open user stream: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := us.SendRequest(ctx, samplePayload{Name: "never answered"}, 0, 5*time.Second)
		errCh <- err
	}()

	// Give the request a moment to register before tearing the connection down.
	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatalf("expected Done() to be closed after Close()")
	}
	if client.Err() != nil {
		t.Fatalf("Close() with a nil reason should leave Err() nil, got %v", client.Err())
	}

	select {
	case err := <-errCh:
		rpcErr, ok := err.(*RpcError)
		if !ok || rpcErr.Kind != RpcClosedByPeer {
			t.Fatalf("expected RpcClosedByPeer after Close, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the pending request to be cancelled")
	}
}

package unison

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConnAdapter narrows *quic.Conn down to the quicConn interface
// Connection depends on (§9's closed-enum transport pattern); this and
// the in-memory mock used by tests are the interface's only two
// implementers.
type quicConnAdapter struct {
	c *quic.Conn
}

func (a quicConnAdapter) OpenStreamSync(ctx context.Context) (quicStream, error) {
	s, err := a.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a quicConnAdapter) AcceptStream(ctx context.Context) (quicStream, error) {
	s, err := a.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a quicConnAdapter) CloseWithError(code uint64, reason string) error {
	return a.c.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (a quicConnAdapter) Context() context.Context {
	return a.c.Context()
}

// EndpointConfig configures an Endpoint (§4.8).
type EndpointConfig struct {
	Identity  *NodeIdentity
	NetworkID [16]byte
	NodeType  NodeType
	Local     LocalConfig
	Verify    AuthVerifier
	Log       *slog.Logger

	// TLSCertificate is used when listening; if nil, a self-signed
	// certificate is generated for the listen address's host.
	TLSCertificate *tls.Certificate

	// KeepaliveInterval overrides LocalConfig.KeepaliveIntervalMs for
	// the Endpoint's own keepalive task; zero uses the negotiated value.
	KeepaliveInterval time.Duration

	// MetricsStore, if set, persists each connection's Metrics snapshot
	// on every keepalive tick (§6.4 supplement). Optional; nil keeps
	// metrics in memory only.
	MetricsStore *MetricsStore
}

// Endpoint binds a QUIC listener or dials out, and drives every
// Connection it produces through the handshake before handing it to
// the application (§4.8).
type Endpoint struct {
	cfg      EndpointConfig
	log      *slog.Logger
	listener *quic.Listener

	incoming chan *Connection

	mu    sync.Mutex
	conns map[*Connection]struct{}

	closeOnce sync.OnceFunc
	closed    chan struct{}
}

// Addr returns the address the endpoint is listening on, which is
// useful when Listen was given an ephemeral port (":0" or "host:0").
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Connections returns a snapshot of every incoming connection whose
// handshake completed on this endpoint's listener (whether or not the
// application has called Accept for it yet) and that has not yet torn
// down; connections made with Dial are not included. For introspection
// (e.g. cmd/unison-shell).
func (e *Endpoint) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Connection, 0, len(e.conns))
	for c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (e *Endpoint) track(c *Connection) {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	go func() {
		<-c.Done()
		e.mu.Lock()
		delete(e.conns, c)
		e.mu.Unlock()
	}()
}

// Listen binds a QUIC listener on addr with a TLS 1.3 identity and
// begins accepting connections in the background. Each accepted
// connection is handed to the application via Accept once its
// handshake reaches Ready.
func Listen(ctx context.Context, addr string, cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cert := cfg.TLSCertificate
	if cert == nil {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		var err error
		cert, err = SelfSignedCertificate(cfg.Identity, host)
		if err != nil {
			return nil, fmt.Errorf("unison: generating self-signed certificate: %w", err)
		}
	}

	ln, err := quic.ListenAddr(addr, ServerTLSConfig(cert), nil)
	if err != nil {
		return nil, fmt.Errorf("unison: listening on %s: %w", addr, err)
	}

	e := &Endpoint{
		cfg:      cfg,
		log:      cfg.Log,
		listener: ln,
		incoming: make(chan *Connection, 16),
		conns:    make(map[*Connection]struct{}),
		closed:   make(chan struct{}),
	}
	go e.acceptLoop(ctx)
	return e, nil
}

func (e *Endpoint) acceptLoop(ctx context.Context) {
	for {
		qc, err := e.listener.Accept(ctx)
		if err != nil {
			select {
			case <-e.closed:
			default:
				e.log.Debug("listener accept failed", "err", err)
			}
			return
		}
		go e.bootstrapIncoming(ctx, qc)
	}
}

func (e *Endpoint) bootstrapIncoming(ctx context.Context, qc *quic.Conn) {
	conn := newConnection(quicConnAdapter{qc}, ConnectionConfig{
		Identity:  e.cfg.Identity,
		NetworkID: e.cfg.NetworkID,
		NodeType:  e.cfg.NodeType,
		Local:     e.cfg.Local,
		Verify:    e.cfg.Verify,
		Log:       e.log,
	})
	if err := conn.bootstrap(ctx, false); err != nil {
		e.log.Debug("incoming handshake failed", "err", err)
		return
	}
	e.track(conn)
	go e.runKeepalive(conn)

	select {
	case e.incoming <- conn:
	case <-e.closed:
		conn.Close()
	}
}

// Accept returns the next Connection whose handshake has reached
// Ready, blocking until one is available or the endpoint is closed.
func (e *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c, ok := <-e.incoming:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return c, nil
	case <-e.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DialError is returned by Dial when the QUIC handshake or the
// Unison handshake on top of it fails.
type DialError struct {
	Err error
}

func (e *DialError) Error() string { return "unison: dial failed: " + e.Err.Error() }
func (e *DialError) Unwrap() error { return e.Err }

// Dial opens a QUIC connection to addr, authenticating the server
// name via serverName, and runs the handshake to completion (§4.8).
func Dial(ctx context.Context, addr, serverName string, cfg EndpointConfig) (*Connection, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	qc, err := quic.DialAddr(ctx, addr, ClientTLSConfig(serverName), nil)
	if err != nil {
		return nil, &DialError{Err: err}
	}

	conn := newConnection(quicConnAdapter{qc}, ConnectionConfig{
		Identity:  cfg.Identity,
		NetworkID: cfg.NetworkID,
		NodeType:  cfg.NodeType,
		Local:     cfg.Local,
		Verify:    cfg.Verify,
		Log:       cfg.Log,
	})
	if err := conn.bootstrap(ctx, true); err != nil {
		return nil, &DialError{Err: err}
	}

	interval := time.Duration(conn.hs.Negotiated().KeepaliveIntervalMs) * time.Millisecond
	if cfg.KeepaliveInterval > 0 {
		interval = cfg.KeepaliveInterval
	}
	go runKeepaliveLoop(conn, interval, cfg.MetricsStore)

	return conn, nil
}

func (e *Endpoint) runKeepalive(conn *Connection) {
	interval := time.Duration(conn.hs.Negotiated().KeepaliveIntervalMs) * time.Millisecond
	if e.cfg.KeepaliveInterval > 0 {
		interval = e.cfg.KeepaliveInterval
	}
	runKeepaliveLoop(conn, interval, e.cfg.MetricsStore)
}

// runKeepaliveLoop emits Heartbeat packets on stream 2 every interval
// and declares the connection dead after 3 missed intervals (§4.8).
// It also opens stream 2 itself the first time it is needed, since
// the handshake only guarantees stream 1 exists. If store is non-nil,
// each tick also persists the connection's current Metrics snapshot.
func runKeepaliveLoop(conn *Connection, interval time.Duration, store *MetricsStore) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ctx := conn.conn.Context()
	if _, ok := conn.streamFor(StreamKeepalive); !ok {
		qs, err := conn.conn.OpenStreamSync(ctx)
		if err != nil {
			return
		}
		conn.mu.Lock()
		conn.streams[StreamKeepalive] = qs
		conn.mu.Unlock()
		conn.registry.internalOpen(StreamKeepalive)
		go conn.readLoop(StreamKeepalive, qs, nil)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := 3 * interval
	for {
		select {
		case <-ticker.C:
			seq := conn.registry.NextSequence(StreamKeepalive)
			b := NewPacketBuilder().Type(PacketTypeHeartbeat).Flags(FlagKeepalive).StreamID(StreamKeepalive).SequenceNumber(seq)
			p, err := Build[any](b, nil)
			if err == nil {
				conn.writePacket(StreamKeepalive, p)
			}

			last := conn.lastPeerActivity.Load()
			if last != 0 && nowMicros()-uint64(last) > uint64(deadline.Microseconds()) {
				conn.teardown(errors.New("unison: peer missed 3 keepalive intervals"))
				return
			}

			if store != nil {
				if peer := conn.hs.Negotiated().PeerNodeID; peer != "" {
					if err := store.Save(peer, conn.Metrics()); err != nil {
						conn.log.Debug("persisting metrics snapshot failed", "err", err)
					}
				}
			}
		case <-conn.closed:
			return
		}
	}
}

// Shutdown gracefully drains the endpoint (§4 supplement): it stops
// accepting new connections, closes the listener, closes every
// connection the application never got around to accepting, and then
// for every connection already accepted waits (bounded by
// ctx) for its in-flight requests to finish before closing it too.
// Closing the listener unblocks acceptLoop; closing each tracked
// Connection aborts its own goroutines and fails its waiters via
// Tracker.CloseAll.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.listener.Close()
	drain:
		for {
			select {
			case c := <-e.incoming:
				c.Close()
			default:
				break drain
			}
		}

		var wg sync.WaitGroup
		for _, c := range e.Connections() {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				e.drainConnection(ctx, c)
			}(c)
		}
		wg.Wait()
	})
	return err
}

// drainConnection waits for conn to have no in-flight requests left,
// bounded by ctx, then closes it. It returns early, without waiting
// further, once conn tears down on its own.
func (e *Endpoint) drainConnection(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for conn.Metrics().InFlightRequests > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Done():
			return
		}
	}
	conn.Close()
}

package unison

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// HandshakeState is a state in the stream-1 state machine (§4.5). Each
// side of a connection runs its own instance; the two converge on
// Ready independently once each has sent and received everything it needs.
type HandshakeState int

const (
	HandshakeStart HandshakeState = iota
	HandshakeVersionSent
	HandshakeVersionAgreed
	HandshakeAuthSent
	HandshakeAuthVerified
	HandshakeConfigSent
	HandshakeConfigAgreed
	HandshakeReadyLocal
	HandshakeReady
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeStart:
		return "Start"
	case HandshakeVersionSent:
		return "VersionSent"
	case HandshakeVersionAgreed:
		return "VersionAgreed"
	case HandshakeAuthSent:
		return "AuthSent"
	case HandshakeAuthVerified:
		return "AuthVerified"
	case HandshakeConfigSent:
		return "ConfigSent"
	case HandshakeConfigAgreed:
		return "ConfigAgreed"
	case HandshakeReadyLocal:
		return "ReadyLocal"
	case HandshakeReady:
		return "Ready"
	case HandshakeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandshakeFailureReason classifies why a handshake moved to Failed (§7).
type HandshakeFailureReason int

const (
	FailureIncompatibleVersion HandshakeFailureReason = iota
	FailureIncompatibleCapabilities
	FailureAuthRejected
	FailureProtocol
)

func (r HandshakeFailureReason) String() string {
	switch r {
	case FailureIncompatibleVersion:
		return "IncompatibleVersion"
	case FailureIncompatibleCapabilities:
		return "IncompatibleCapabilities"
	case FailureAuthRejected:
		return "AuthRejected"
	case FailureProtocol:
		return "Protocol"
	default:
		return "Unknown"
	}
}

// HandshakeFailedError wraps the reason a handshake terminated in Failed.
type HandshakeFailedError struct {
	Reason HandshakeFailureReason
	Detail string
}

func (e *HandshakeFailedError) Error() string {
	if e.Detail == "" {
		return "unison: handshake failed: " + e.Reason.String()
	}
	return fmt.Sprintf("unison: handshake failed: %s: %s", e.Reason, e.Detail)
}

// NodeType is carried in NodeAuth as informational peer metadata; this
// implementation does not route or discover peers by it.
type NodeType uint8

const (
	NodeTypeAgent NodeType = iota
	NodeTypeHub
	NodeTypeRoot
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeAgent:
		return "Agent"
	case NodeTypeHub:
		return "Hub"
	case NodeTypeRoot:
		return "Root"
	default:
		return "Unknown"
	}
}

// versionMsg is the handshake's first exchanged message (§4.5).
type versionMsg struct {
	ProtocolVersion       string   `cbor:"protocol_version"`
	SupportedCapabilities []string `cbor:"supported_capabilities"`
}

// nodeAuthMsg is the handshake's second exchanged message (§4.5). NodeID
// carries the peer's raw 32-byte ed25519 public key; the receiver
// derives the displayable NodeID from it and checks self-consistency.
// Signature is a detached ed25519 signature by that same key over
// nodeAuthSignedMessage's rendering of the other fields, proving the
// sender actually holds the private key behind the claimed NodeID
// rather than merely repeating someone else's public key.
type nodeAuthMsg struct {
	NodeID    [32]byte `cbor:"node_id"`
	NetworkID [16]byte `cbor:"network_id"`
	NodeType  NodeType `cbor:"node_type"`
	IPv6Addr  [16]byte `cbor:"ipv6_addr"`
	CertChain [][]byte `cbor:"cert_chain,omitempty"`
	Signature []byte   `cbor:"signature"`
}

// nodeAuthSignedMessage renders the fields a NodeAuth signature covers,
// independent of CBOR's own encoding, so signing and verifying can
// never disagree over field order or omitted-empty quirks.
func nodeAuthSignedMessage(nodeID [32]byte, networkID [16]byte, nodeType NodeType, ipv6 [16]byte) []byte {
	buf := make([]byte, 0, len(nodeID)+len(networkID)+1+len(ipv6))
	buf = append(buf, nodeID[:]...)
	buf = append(buf, networkID[:]...)
	buf = append(buf, byte(nodeType))
	buf = append(buf, ipv6[:]...)
	return buf
}

// configExchangeMsg is the handshake's third exchanged message (§4.5).
type configExchangeMsg struct {
	StreamIDRangeMin    uint64 `cbor:"stream_id_range_min"`
	StreamIDRangeMax    uint64 `cbor:"stream_id_range_max"`
	MaxPacketSize       uint32 `cbor:"max_packet_size"`
	DefaultPriority     uint8  `cbor:"default_priority"`
	KeepaliveIntervalMs uint32 `cbor:"keepalive_interval_ms"`
}

// readyMsg is the handshake's final exchanged message (§4.5); its body
// is empty, the type exists only so Payload/Build have a T to work with.
type readyMsg struct{}

// LocalConfig describes what this node offers during ConfigExchange.
type LocalConfig struct {
	Capabilities        []string
	MaxPacketSize       uint32
	DefaultPriority     uint8
	KeepaliveIntervalMs uint32
}

// DefaultLocalConfig returns the library's baseline configuration.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Capabilities:        nil,
		MaxPacketSize:       MaxWireSize,
		DefaultPriority:     uint8(PriorityNormal),
		KeepaliveIntervalMs: 15000,
	}
}

// NegotiatedConfig is what the handshake settles on once both sides agree.
type NegotiatedConfig struct {
	PeerNodeID          NodeID
	PeerNodeType        NodeType
	PeerNetworkID       [16]byte
	AgreedVersion       string
	Capabilities        []string // intersection of both sides' capabilities
	MaxPacketSize       uint32   // min of both sides' offers
	KeepaliveIntervalMs uint32   // min of both sides' offers
}

// PeerClaim is the subset of a peer's NodeAuth an AuthVerifier sees:
// everything except the raw public key, which has already been
// checked for self-consistency against the claimed node id.
type PeerClaim struct {
	NodeID    NodeID
	NodeType  NodeType
	NetworkID [16]byte
	CertChain [][]byte
}

// AuthVerifier decides whether a peer's NodeAuth should be accepted.
// The default policy (DefaultAuthVerifier) only checks that the
// claimed node id is self-consistent with the presented public key,
// matching §4.5's "default accepts any self-consistent identity".
type AuthVerifier func(claim PeerClaim) error

// DefaultAuthVerifier implements the handshake's default accept-any
// self-consistent policy: it performs no additional checks beyond the
// id/public-key consistency already enforced before this is called.
func DefaultAuthVerifier(PeerClaim) error { return nil }

// handshakeTransport is the narrow surface the handshake engine needs
// from its owning connection: send a handshake-typed packet on stream
// 1 and allocate message ids from the connection's shared counter.
type handshakeTransport interface {
	sendHandshake(ctx context.Context, msgID uint64, t PacketType, payload any) error
	nextMessageID() (uint64, error)
}

// Handshake drives the stream-1 state machine described in §4.5. One
// instance exists per Connection; Connection.dispatchInbound feeds it
// decoded Handshake packets via Feed, and Connection reads Err /
// Negotiated once the state reaches a terminal value.
type Handshake struct {
	mu    sync.Mutex
	state HandshakeState
	err   *HandshakeFailedError

	local     LocalConfig
	identity  *NodeIdentity
	networkID [16]byte
	nodeType  NodeType
	localAddr net.IP
	verify    AuthVerifier

	transport handshakeTransport
	log       *slog.Logger

	agreedVersion string
	peerCaps      []string
	negotiated    NegotiatedConfig

	done chan struct{} // closed when state becomes Ready or Failed
}

// NewHandshake constructs a Handshake ready to Start once its
// transport is wired up.
func NewHandshake(identity *NodeIdentity, networkID [16]byte, nodeType NodeType, localAddr net.IP, local LocalConfig, verify AuthVerifier, transport handshakeTransport, log *slog.Logger) *Handshake {
	if verify == nil {
		verify = DefaultAuthVerifier
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handshake{
		state:     HandshakeStart,
		local:     local,
		identity:  identity,
		networkID: networkID,
		nodeType:  nodeType,
		localAddr: localAddr,
		verify:    verify,
		transport: transport,
		log:       log,
		done:      make(chan struct{}),
	}
}

// State returns the current state under lock.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed once the handshake reaches Ready or Failed.
func (h *Handshake) Done() <-chan struct{} { return h.done }

// Err returns the failure detail if the handshake ended in Failed, else nil.
func (h *Handshake) Err() *HandshakeFailedError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Negotiated returns the agreed configuration once the handshake has
// reached Ready; its zero value is meaningless before that.
func (h *Handshake) Negotiated() NegotiatedConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.negotiated
}

// Start sends the local Version message, entering VersionSent.
func (h *Handshake) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != HandshakeStart {
		h.mu.Unlock()
		return fmt.Errorf("unison: handshake already started")
	}
	h.mu.Unlock()

	id, err := h.transport.nextMessageID()
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}
	msg := versionMsg{ProtocolVersion: ProtocolVersionString, SupportedCapabilities: h.local.Capabilities}
	if err := h.transport.sendHandshake(ctx, id, PacketTypeHandshake, msg); err != nil {
		return h.fail(FailureProtocol, err.Error())
	}
	h.mu.Lock()
	h.state = HandshakeVersionSent
	h.mu.Unlock()
	return nil
}

// Feed delivers an inbound Handshake-typed packet to the state
// machine. It is called from the connection's ingress loop with
// packets already decoded into a Packet by the payload layer.
func (h *Handshake) Feed(ctx context.Context, p *Packet) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case HandshakeVersionSent:
		return h.onVersion(ctx, p)
	case HandshakeAuthSent:
		return h.onNodeAuth(ctx, p)
	case HandshakeConfigSent:
		return h.onConfig(ctx, p)
	case HandshakeReadyLocal:
		return h.onReady(ctx, p)
	case HandshakeReady, HandshakeFailed:
		return nil // stray late message, ignore
	default:
		return h.fail(FailureProtocol, fmt.Sprintf("unexpected handshake message in state %s", state))
	}
}

func (h *Handshake) onVersion(ctx context.Context, p *Packet) error {
	msg, err := Payload[versionMsg](p)
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	agreed, err := negotiateVersion(ProtocolVersionString, msg.ProtocolVersion)
	if err != nil {
		return h.fail(FailureIncompatibleVersion, err.Error())
	}

	h.mu.Lock()
	h.agreedVersion = agreed
	h.peerCaps = msg.SupportedCapabilities
	h.state = HandshakeVersionAgreed
	h.mu.Unlock()

	id, err := h.transport.nextMessageID()
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}
	var pub [32]byte
	copy(pub[:], h.identity.PublicKey())
	ipv6 := ipToBytes16(h.localAddr)
	auth := nodeAuthMsg{
		NodeID:    pub,
		NetworkID: h.networkID,
		NodeType:  h.nodeType,
		IPv6Addr:  ipv6,
		Signature: h.identity.Sign(nodeAuthSignedMessage(pub, h.networkID, h.nodeType, ipv6)),
	}
	if err := h.transport.sendHandshake(ctx, id, PacketTypeHandshake, auth); err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	h.mu.Lock()
	h.state = HandshakeAuthSent
	h.mu.Unlock()
	return nil
}

func (h *Handshake) onNodeAuth(ctx context.Context, p *Packet) error {
	msg, err := Payload[nodeAuthMsg](p)
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	signed := nodeAuthSignedMessage(msg.NodeID, msg.NetworkID, msg.NodeType, msg.IPv6Addr)
	peerID := deriveNodeID(msg.NodeID[:])
	if err := VerifyNodeAuth(peerID, msg.NodeID[:], signed, msg.Signature); err != nil {
		return h.fail(FailureAuthRejected, err.Error())
	}

	claim := PeerClaim{NodeID: peerID, NodeType: msg.NodeType, NetworkID: msg.NetworkID, CertChain: msg.CertChain}
	if err := h.verify(claim); err != nil {
		return h.fail(FailureAuthRejected, err.Error())
	}

	h.mu.Lock()
	h.negotiated.PeerNodeID = peerID
	h.negotiated.PeerNodeType = msg.NodeType
	h.negotiated.PeerNetworkID = msg.NetworkID
	h.state = HandshakeAuthVerified
	h.mu.Unlock()

	id, err := h.transport.nextMessageID()
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}
	cfg := configExchangeMsg{
		StreamIDRangeMin:    StreamUserMin,
		StreamIDRangeMax:    ^uint64(0),
		MaxPacketSize:       h.local.MaxPacketSize,
		DefaultPriority:     h.local.DefaultPriority,
		KeepaliveIntervalMs: h.local.KeepaliveIntervalMs,
	}
	if err := h.transport.sendHandshake(ctx, id, PacketTypeHandshake, cfg); err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	h.mu.Lock()
	h.state = HandshakeConfigSent
	h.mu.Unlock()
	return nil
}

func (h *Handshake) onConfig(ctx context.Context, p *Packet) error {
	msg, err := Payload[configExchangeMsg](p)
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	h.mu.Lock()
	maxPkt := h.local.MaxPacketSize
	if msg.MaxPacketSize < maxPkt {
		maxPkt = msg.MaxPacketSize
	}
	keepalive := h.local.KeepaliveIntervalMs
	if msg.KeepaliveIntervalMs < keepalive {
		keepalive = msg.KeepaliveIntervalMs
	}
	h.negotiated.AgreedVersion = h.agreedVersion
	h.negotiated.Capabilities = intersectCapabilities(h.local.Capabilities, h.peerCaps)
	h.negotiated.MaxPacketSize = maxPkt
	h.negotiated.KeepaliveIntervalMs = keepalive
	h.state = HandshakeConfigAgreed
	h.mu.Unlock()

	id, err := h.transport.nextMessageID()
	if err != nil {
		return h.fail(FailureProtocol, err.Error())
	}
	if err := h.transport.sendHandshake(ctx, id, PacketTypeHandshake, readyMsg{}); err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	h.mu.Lock()
	h.state = HandshakeReadyLocal
	h.mu.Unlock()
	return nil
}

func (h *Handshake) onReady(ctx context.Context, p *Packet) error {
	if _, err := Payload[readyMsg](p); err != nil {
		return h.fail(FailureProtocol, err.Error())
	}

	h.mu.Lock()
	h.state = HandshakeReady
	h.mu.Unlock()
	close(h.done)
	return nil
}

func (h *Handshake) fail(reason HandshakeFailureReason, detail string) error {
	h.mu.Lock()
	if h.state == HandshakeFailed || h.state == HandshakeReady {
		h.mu.Unlock()
		return h.err
	}
	h.err = &HandshakeFailedError{Reason: reason, Detail: detail}
	h.state = HandshakeFailed
	h.mu.Unlock()
	h.log.Debug("handshake failed", "reason", reason, "detail", detail)
	close(h.done)
	return h.err
}

// negotiateVersion implements §4.5's mismatch policy: the lower of the
// two semver versions is used if compatible, otherwise the versions
// are declared incompatible. Compatibility follows ordinary caret
// semantics (same rule npm/Cargo use for "^" version requirements):
// two 1.x.y-or-later versions are compatible whenever their majors
// match, but pre-1.0 versions only tolerate patch drift within the
// same minor (0.1.0 and 0.2.0 are NOT compatible, matching §8's S6).
func negotiateVersion(local, remote string) (string, error) {
	lv, err := semver.NewVersion(local)
	if err != nil {
		return "", fmt.Errorf("unison: invalid local protocol version %q: %w", local, err)
	}
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return "", fmt.Errorf("unison: peer protocol version %q is not valid semver: %w", remote, err)
	}

	lower, higher := lv, rv
	if rv.LessThan(lv) {
		lower, higher = rv, lv
	}

	c, err := semver.NewConstraint("^" + lower.String())
	if err != nil {
		return "", fmt.Errorf("unison: building compatibility constraint for %q: %w", lower, err)
	}
	if !c.Check(higher) {
		return "", fmt.Errorf("unison: incompatible protocol versions: local=%s peer=%s", local, remote)
	}
	return lower.String(), nil
}

// intersectCapabilities returns the capabilities offered by both sides.
func intersectCapabilities(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range b {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ipToBytes16 renders addr as a 16-byte IPv6-form address for NodeAuth,
// mapping IPv4 addresses to their IPv4-in-IPv6 form.
func ipToBytes16(addr net.IP) [16]byte {
	var out [16]byte
	copy(out[:], addr.To16())
	return out
}

package unison

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Option configures an EndpointConfig.
type Option interface {
	apply(*EndpointConfig)
}

type funcOption func(*EndpointConfig)

func (f funcOption) apply(c *EndpointConfig) { f(c) }

// NewEndpointConfig builds an EndpointConfig from options, filling in
// DefaultLocalConfig where the caller supplies none.
func NewEndpointConfig(opts ...Option) EndpointConfig {
	c := EndpointConfig{Local: DefaultLocalConfig()}
	for _, o := range opts {
		o.apply(&c)
	}
	return c
}

// WithIdentity sets the node's signing identity (required).
func WithIdentity(id *NodeIdentity) Option {
	return funcOption(func(c *EndpointConfig) { c.Identity = id })
}

// WithNetworkID sets the 16-byte network this node belongs to (§4.5).
func WithNetworkID(id [16]byte) Option {
	return funcOption(func(c *EndpointConfig) { c.NetworkID = id })
}

// WithNodeType sets the NodeAuth node_type advertised during handshake.
func WithNodeType(t NodeType) Option {
	return funcOption(func(c *EndpointConfig) { c.NodeType = t })
}

// WithLocalConfig overrides the handshake's local ConfigExchange values.
func WithLocalConfig(l LocalConfig) Option {
	return funcOption(func(c *EndpointConfig) { c.Local = l })
}

// WithAuthVerifier installs a policy hook that can reject a peer's
// NodeAuth claim (§6); the default accepts any self-consistent identity.
func WithAuthVerifier(v AuthVerifier) Option {
	return funcOption(func(c *EndpointConfig) { c.Verify = v })
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return funcOption(func(c *EndpointConfig) { c.Log = log })
}

// WithTLSCertificate supplies a certificate for Listen instead of
// letting it generate a self-signed one.
func WithTLSCertificate(cert *tls.Certificate) Option {
	return funcOption(func(c *EndpointConfig) { c.TLSCertificate = cert })
}

// WithKeepaliveInterval overrides the interval between Heartbeat
// packets; zero uses the negotiated handshake value.
func WithKeepaliveInterval(d time.Duration) Option {
	return funcOption(func(c *EndpointConfig) { c.KeepaliveInterval = d })
}

// WithMetricsStore opts into persisting each connection's Metrics
// snapshot to store on every keepalive tick (§6.4 supplement); the
// default keeps metrics in memory only.
func WithMetricsStore(store *MetricsStore) Option {
	return funcOption(func(c *EndpointConfig) { c.MetricsStore = store })
}

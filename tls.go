package unison

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	certValidity       = 30 * 24 * time.Hour
	certRotationMargin = 48 * time.Hour
)

// selfSignedAuthority issues and caches self-signed TLS certificates
// for one signing key. An Endpoint backed by a stable NodeIdentity
// gets a stable TLS key derived from that identity, so restarting
// with the same identity seed presents a leaf with the same TLS key
// instead of a fresh throwaway key every process start.
type selfSignedAuthority struct {
	key *ecdsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// deriveTLSKey derives a deterministic ECDSA P-256 key from a node's
// ed25519 identity seed via HKDF-SHA256. TLS 1.3 over QUIC needs an
// EC/RSA key, not an ed25519 one, so the seed is rederived rather than
// reused directly.
func deriveTLSKey(seed []byte) (*ecdsa.PrivateKey, error) {
	kdf := hkdf.New(sha256.New, seed, []byte("unison-tls-cert-v1"), []byte("ecdsa-p256"))
	return ecdsa.GenerateKey(elliptic.P256(), kdf)
}

var (
	anonAuthority     *selfSignedAuthority
	anonAuthorityOnce sync.Once
	anonAuthorityErr  error
)

// selfSignedAuthorityFor returns the authority backing identity, or a
// shared process-wide anonymous one when identity is nil.
func selfSignedAuthorityFor(identity *NodeIdentity) (*selfSignedAuthority, error) {
	if identity == nil {
		anonAuthorityOnce.Do(func() {
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				anonAuthorityErr = fmt.Errorf("unison: generating anonymous TLS signing key: %w", err)
				return
			}
			anonAuthority = &selfSignedAuthority{key: key, cache: make(map[string]*tls.Certificate)}
		})
		return anonAuthority, anonAuthorityErr
	}

	key, err := deriveTLSKey(identity.Seed())
	if err != nil {
		return nil, fmt.Errorf("unison: deriving TLS signing key from node identity: %w", err)
	}
	return &selfSignedAuthority{key: key, cache: make(map[string]*tls.Certificate)}, nil
}

// SelfSignedCertificate returns a self-signed ECDSA P-256 certificate
// for host, generating and caching one on first use (§6.2: QUIC
// requires a TLS certificate; Unison does not assume a CA-issued one).
// When identity is non-nil the certificate's key is deterministically
// derived from it, so the same node presents the same TLS identity
// across restarts; identity may be nil for anonymous/test endpoints.
func SelfSignedCertificate(identity *NodeIdentity, host string) (*tls.Certificate, error) {
	a, err := selfSignedAuthorityFor(identity)
	if err != nil {
		return nil, err
	}
	return a.certificate(host)
}

// certificate returns a cached certificate for host, refreshing it
// once it is within certRotationMargin of expiry.
func (a *selfSignedAuthority) certificate(host string) (*tls.Certificate, error) {
	a.mu.RLock()
	crt, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && time.Until(crt.Leaf.NotAfter) > certRotationMargin {
		return crt, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another goroutine may have refreshed it while we waited for the lock.
	if crt, ok := a.cache[host]; ok && time.Until(crt.Leaf.NotAfter) > certRotationMargin {
		return crt, nil
	}

	crt, err := a.issue(host)
	if err != nil {
		return nil, err
	}
	if len(a.cache) > 1024 {
		a.cache = make(map[string]*tls.Certificate)
	}
	a.cache[host] = crt
	return crt, nil
}

// issue mints a fresh self-signed leaf for host, binding it as an IP
// SAN when host parses as one, or a DNS SAN otherwise.
func (a *selfSignedAuthority) issue(host string) (*tls.Certificate, error) {
	rnd := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, rnd); err != nil {
		return nil, err
	}
	sn := new(big.Int).SetBytes(rnd)

	tpl := &x509.Certificate{
		BasicConstraintsValid: true,
		IsCA:                  true,
		SerialNumber:          sn,
		Issuer:                pkix.Name{CommonName: host},
		Subject:               pkix.Name{CommonName: host},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(certValidity),
	}
	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, a.key.Public(), a.key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  a.key,
		Leaf:        leaf,
	}, nil
}

// ServerTLSConfig builds the TLS 1.3-only configuration QUIC requires
// (§6.2), carrying the Unison ALPN identifier.
func ServerTLSConfig(cert *tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}
}

// ClientTLSConfig builds a TLS 1.3-only configuration for dialing
// serverName, skipping certificate chain verification by default
// since Unison nodes authenticate each other via the handshake's
// NodeAuth exchange, not the TLS certificate's CA chain.
func ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}
}

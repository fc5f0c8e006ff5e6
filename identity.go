package unison

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/KarpelesLab/cryptutil"
)

// NodeID is the textual identifier nodes exchange during the handshake
// and use to address each other above the transport layer. It is
// derived from a node's public key the same way the rest of the
// corpus derives peer ids: "k." followed by the URL-safe base64 of a
// cryptutil hash of the raw public key bytes.
type NodeID string

// NodeIdentity holds a node's signing key pair and its derived id. A
// node presents its public key and a self-signature over it during
// the handshake's NodeAuth exchange (§5); the peer recomputes the id
// and verifies the signature before trusting it.
type NodeIdentity struct {
	id     NodeID
	public ed25519.PublicKey
	signer ed25519.PrivateKey
}

// GenerateIdentity creates a fresh ed25519 node identity. Keys are not
// persisted by this package; callers that need a stable node id across
// restarts are responsible for storing and reloading the private key.
func GenerateIdentity() (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("unison: generating node identity: %w", err)
	}
	return newIdentity(pub, priv), nil
}

// IdentityFromSeed rebuilds a node identity from a previously generated
// 32-byte ed25519 seed, so a node can keep the same id across restarts.
func IdentityFromSeed(seed []byte) (*NodeIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unison: node identity seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newIdentity(priv.Public().(ed25519.PublicKey), priv), nil
}

func newIdentity(pub ed25519.PublicKey, priv ed25519.PrivateKey) *NodeIdentity {
	return &NodeIdentity{
		id:     deriveNodeID(pub),
		public: pub,
		signer: priv,
	}
}

// deriveNodeID renders a node id as "k." plus the URL-safe base64
// encoding of a hash of the raw public key.
func deriveNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID("k." + base64.RawURLEncoding.EncodeToString(cryptutil.Hash(pub, sha256.New)))
}

// ID returns the node's derived identifier.
func (n *NodeIdentity) ID() NodeID { return n.id }

// PublicKey returns the raw ed25519 public key to place on the wire.
func (n *NodeIdentity) PublicKey() ed25519.PublicKey { return n.public }

// Seed returns the 32-byte seed backing this identity's private key,
// for callers that wish to persist it.
func (n *NodeIdentity) Seed() []byte { return n.signer.Seed() }

// Sign produces a detached signature over msg, used to prove possession
// of the private key behind a NodeAuth's public key during the handshake.
func (n *NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(n.signer, msg)
}

// VerifyNodeAuth checks that sig is a valid signature by pub over msg
// and that id matches the id derived from pub, rejecting a peer that
// presents a public key inconsistent with its claimed id.
func VerifyNodeAuth(id NodeID, pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("unison: node auth public key has invalid length %d", len(pub))
	}
	if deriveNodeID(pub) != id {
		return fmt.Errorf("unison: node auth id does not match presented public key")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("unison: node auth signature verification failed")
	}
	return nil
}

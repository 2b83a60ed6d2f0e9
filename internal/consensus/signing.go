package consensus

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Signer signs a digest on behalf of the local peer.
type Signer interface {
	Sign(data []byte) (sig []byte, err error)
}

// KeyResolver maps a peer id to the public key it signs with. The
// in-process netface implementation supplies one backed by a plain
// map; a real deployment would resolve this via its peer directory.
type KeyResolver interface {
	PublicKey(p peer.ID) (*btcec.PublicKey, error)
}

// Verifier checks a peer's signature over a digest.
type Verifier interface {
	Verify(p peer.ID, data, sig []byte) (bool, error)
}

// Secp256k1Signer signs with a local secp256k1 private key.
type Secp256k1Signer struct {
	priv *btcec.PrivateKey
}

// NewSecp256k1Signer wraps priv as a Signer.
func NewSecp256k1Signer(priv *btcec.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{priv: priv}
}

// Sign returns a DER-encoded ECDSA signature over SHA-256(data).
func (s *Secp256k1Signer) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(s.priv, digest[:])
	return sig.Serialize(), nil
}

// Secp256k1Verifier verifies signatures produced by Secp256k1Signer,
// resolving each peer's public key through resolver.
type Secp256k1Verifier struct {
	resolver KeyResolver
}

// NewSecp256k1Verifier wraps resolver as a Verifier.
func NewSecp256k1Verifier(resolver KeyResolver) *Secp256k1Verifier {
	return &Secp256k1Verifier{resolver: resolver}
}

// Verify checks that sig is p's valid signature over SHA-256(data).
func (v *Secp256k1Verifier) Verify(p peer.ID, data, sig []byte) (bool, error) {
	pub, err := v.resolver.PublicKey(p)
	if err != nil {
		return false, fmt.Errorf("consensus: resolve public key for %s: %w", p, err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("consensus: parse signature from %s: %w", p, err)
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], pub), nil
}

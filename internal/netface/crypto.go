package netface

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gotchoices/optimystic/internal/consensus"
)

// LocalCryptoProvider implements CryptoProvider over a fixed peer id
// and a consensus.Signer (normally a *consensus.Secp256k1Signer).
type LocalCryptoProvider struct {
	id     peer.ID
	signer consensus.Signer
}

// NewLocalCryptoProvider wraps id and signer as a CryptoProvider.
func NewLocalCryptoProvider(id peer.ID, signer consensus.Signer) *LocalCryptoProvider {
	return &LocalCryptoProvider{id: id, signer: signer}
}

// PeerID returns the local peer's id.
func (c *LocalCryptoProvider) PeerID() peer.ID { return c.id }

// Sign delegates to the wrapped signer.
func (c *LocalCryptoProvider) Sign(data []byte) ([]byte, error) { return c.signer.Sign(data) }

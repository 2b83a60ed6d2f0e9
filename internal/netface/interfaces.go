package netface

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/consensus"
)

// KeyNetwork resolves a key (a collection or block id) to the peer
// that should coordinate transactions on it, and to the full cohort
// of peers that replicate it. excluded names peers FindCoordinator
// must skip past: a batch whose coordinator failed re-resolves with
// that peer (and every peer excluded by an earlier retry) added to
// the set.
type KeyNetwork interface {
	FindCoordinator(ctx context.Context, key block.ID, excluded []peer.ID) (peer.ID, error)
	FindCluster(ctx context.Context, key block.ID) ([]peer.ID, error)
}

// PeerNetwork reports what the local peer currently knows about the
// rest of the network: who it believes is reachable, and how to reach
// them.
type PeerNetwork interface {
	Peers(ctx context.Context) ([]peer.ID, error)
	Addrs(ctx context.Context, p peer.ID) ([]multiaddr.Multiaddr, error)
	// LastConnected returns when the most recent successful contact
	// with p happened. Routing's self-coordination guard compares the
	// local peer's own entry against its grace period to tell a fresh
	// disconnection from extended isolation.
	LastConnected(ctx context.Context, p peer.ID) (time.Time, error)
}

// RepoTransport carries Repo calls to a remote peer.
type RepoTransport interface {
	// Get fetches blockID, optionally pinned to actionCtx's committed
	// frontier; a nil actionCtx asks for the peer's latest
	// materialized state. A GetResult with a nil Block and a nil error
	// is the peer affirmatively reporting the block does not exist;
	// only a transport-level failure returns an error.
	Get(ctx context.Context, to peer.ID, collectionID, blockID block.ID, actionCtx *block.ActionContext) (block.GetResult, error)
	Pend(ctx context.Context, to peer.ID, collectionID block.ID, at block.ActionTransforms, policy block.Policy) error
	Commit(ctx context.Context, to peer.ID, collectionID block.ID, actionID block.ActionID, rev block.Rev) error
	Cancel(ctx context.Context, to peer.ID, collectionID block.ID, actionID block.ActionID) error
	// Repair directly materializes b on peer to, bypassing the
	// pend/commit transaction path. It is used only by the
	// transactor's read-path restoration: once a read has established,
	// by majority agreement across the cohort, that b is the correct
	// materialized state for its id, Repair heals a peer whose copy
	// was missing or stale rather than forcing the caller to re-run a
	// full action.
	Repair(ctx context.Context, to peer.ID, b *block.Block) error
}

// ConsensusTransport carries ClusterRecord promise/commit messages to a
// remote peer and back. CommitPhase is named distinctly from
// RepoTransport.Commit: they are different RPCs (one drives the
// consensus round, the other materializes an already-pended action on
// one peer) and a netface implementation commonly satisfies both
// interfaces on a single type, where Go forbids two methods sharing a
// name.
type ConsensusTransport interface {
	Propose(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error)
	Promise(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error)
	CommitPhase(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error)
}

// CryptoProvider is the local peer's identity and signing surface.
type CryptoProvider interface {
	PeerID() peer.ID
	consensus.Signer
}

package netface

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/consensus"
	"github.com/gotchoices/optimystic/internal/repo"
)

func newTestPeer(t *testing.T, n *InProcess, id peer.ID) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	r := repo.New(repo.NewMemoryStorage(), nil, zerolog.Nop())
	signer := consensus.NewSecp256k1Signer(priv)
	n.Register(id, r, priv.PubKey(), signer)
}

func TestFindCoordinatorAndClusterAreDeterministic(t *testing.T) {
	n := NewInProcess(2)
	for _, id := range []peer.ID{"p1", "p2", "p3", "p4"} {
		newTestPeer(t, n, id)
	}

	ctx := context.Background()
	c1, err := n.FindCoordinator(ctx, "key-a", nil)
	require.NoError(t, err)
	c2, err := n.FindCoordinator(ctx, "key-a", nil)
	require.NoError(t, err)
	require.Equal(t, c1, c2, "expected deterministic coordinator")

	cluster, err := n.FindCluster(ctx, "key-a")
	require.NoError(t, err)
	require.Len(t, cluster, 2, "expected cohort size 2")
	require.Equal(t, c1, cluster[0], "expected cohort to start at the coordinator")
}

func TestProposeThenCommitReachesConsensus(t *testing.T) {
	n := NewInProcess(3)
	for _, id := range []peer.ID{"p1", "p2", "p3"} {
		newTestPeer(t, n, id)
	}
	ctx := context.Background()
	peers := []peer.ID{"p1", "p2", "p3"}
	record := consensus.NewClusterRecord([]byte("msg"), block.ActionID("a1"), peers)

	for _, p := range peers {
		updated, err := n.Propose(ctx, p, record)
		require.NoErrorf(t, err, "Propose to %s", p)
		record = updated
	}
	require.Equal(t, consensus.PhasePromised, record.Phase())

	for _, p := range peers {
		updated, err := n.CommitPhase(ctx, p, record)
		require.NoErrorf(t, err, "CommitPhase to %s", p)
		record = updated
	}
	require.True(t, record.WasExecuted(), "expected the record to report executed after majority commits")
}

func TestFindCoordinatorExcludesFailedPeers(t *testing.T) {
	n := NewInProcess(2)
	for _, id := range []peer.ID{"p1", "p2", "p3", "p4"} {
		newTestPeer(t, n, id)
	}

	ctx := context.Background()
	c1, err := n.FindCoordinator(ctx, "key-a", nil)
	require.NoError(t, err)

	c2, err := n.FindCoordinator(ctx, "key-a", []peer.ID{c1})
	require.NoError(t, err)
	require.NotEqual(t, c1, c2, "expected a new coordinator once the first is excluded")

	_, err = n.FindCoordinator(ctx, "key-a", []peer.ID{"p1", "p2", "p3", "p4"})
	require.Error(t, err, "expected an error once every peer is excluded")
}

func TestConsensusRejectsConflictingAction(t *testing.T) {
	n := NewInProcess(3)
	for _, id := range []peer.ID{"p1", "p2", "p3"} {
		newTestPeer(t, n, id)
	}
	ctx := context.Background()
	peers := []peer.ID{"p1", "p2", "p3"}

	a := consensus.NewClusterRecord([]byte("msg-a"), block.ActionID("a1"), peers)
	a.BlockIDs = []block.ID{"blk-1"}
	b := consensus.NewClusterRecord([]byte("msg-b"), block.ActionID("a2"), peers)
	b.BlockIDs = []block.ID{"blk-1"}

	updated, err := n.Propose(ctx, "p1", a)
	require.NoError(t, err)
	a = updated
	updated, err = n.Propose(ctx, "p1", a)
	require.NoError(t, err)
	a = updated

	_, err = n.Propose(ctx, "p1", b)
	require.Error(t, err, "expected the conflicting, less-promised action to lose the race")
}

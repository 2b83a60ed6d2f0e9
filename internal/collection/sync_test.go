package collection

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
	"github.com/gotchoices/optimystic/internal/consensus"
	"github.com/gotchoices/optimystic/internal/netface"
	"github.com/gotchoices/optimystic/internal/repo"
	"github.com/gotchoices/optimystic/internal/tracker"
	"github.com/gotchoices/optimystic/internal/transactor"
)

// chainAwareApply materializes committed ops the way a peer binary
// does: chain blocks through chainlog.ApplyOp, data blocks as an
// append-only payload.
func chainAwareApply(b *block.Block, op block.Op) (*block.Block, error) {
	switch b.Type {
	case block.TypeLogHeader, block.TypeLogData:
		return chainlog.ApplyOp(b, op)
	default:
		cp := b.Clone()
		cp.Payload = append(cp.Payload, op.Data...)
		return cp, nil
	}
}

func newSyncTestNetwork(t *testing.T, ids ...peer.ID) (*netface.InProcess, map[peer.ID]*repo.Repo) {
	t.Helper()
	n := netface.NewInProcess(len(ids))
	repos := make(map[peer.ID]*repo.Repo, len(ids))
	for _, id := range ids {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		r := repo.New(repo.NewMemoryStorage(), chainAwareApply, zerolog.Nop())
		n.Register(id, r, priv.PubKey(), consensus.NewSecp256k1Signer(priv))
		repos[id] = r
	}
	return n, repos
}

func TestSyncPublishesActionsAcrossCohort(t *testing.T) {
	n, repos := newSyncTestNetwork(t, "p1", "p2", "p3")
	ctx := context.Background()

	tx := transactor.New(n, n, n, netface.NewLocalCryptoProvider("p1", nil), zerolog.Nop())
	source := transactor.NewNetworkSource(tx, "")
	staging := tracker.New(source, chainlog.ApplyOp)

	col, err := CreateOrOpen(staging, nil, 0, counterApply)
	require.NoError(t, err)
	source.SetCollectionID(col.CollectionID())

	require.NoError(t, col.Act("a1", 1000, addN(5)))
	require.NoError(t, col.Act("a2", 1001, addN(3)))

	syncer := NewSyncer(col, staging, tx, 0)
	require.NoError(t, syncer.Sync(ctx))
	require.EqualValues(t, 1, syncer.Published())

	// Every cohort member of the collection must have materialized the
	// log header after the commit.
	cohort, err := n.FindCluster(ctx, col.CollectionID())
	require.NoError(t, err)
	for _, p := range cohort {
		res, err := repos[p].Get(ctx, col.CollectionID(), col.CollectionID(), nil)
		require.NoError(t, err)
		require.NotNilf(t, res.Block, "expected %s to hold the log header", p)
		require.EqualValues(t, 1, repos[p].LatestRev(col.CollectionID()))
	}

	// A second peer opens the collection through its own transactor and
	// replays it to the same state.
	readerTx := transactor.New(n, n, n, netface.NewLocalCryptoProvider("p2", nil), zerolog.Nop())
	readerSource := transactor.NewNetworkSource(readerTx, col.CollectionID())
	readerStaging := tracker.New(readerSource, chainlog.ApplyOp)
	id := col.CollectionID()
	replica, err := CreateOrOpen(readerStaging, &id, 0, counterApply)
	require.NoError(t, err)
	require.Equal(t, 8, replica.State().(int))
	require.Equal(t, col.Rev(), replica.Rev())
}

func TestSyncWithNothingStagedIsANoOp(t *testing.T) {
	n, _ := newSyncTestNetwork(t, "p1", "p2", "p3")
	tx := transactor.New(n, n, n, netface.NewLocalCryptoProvider("p1", nil), zerolog.Nop())
	source := transactor.NewNetworkSource(tx, "")
	staging := tracker.New(source, chainlog.ApplyOp)

	col, err := CreateOrOpen(staging, nil, 0, counterApply)
	require.NoError(t, err)
	source.SetCollectionID(col.CollectionID())

	syncer := NewSyncer(col, staging, tx, 0)
	require.NoError(t, syncer.Sync(context.Background()))
	require.NoError(t, syncer.Sync(context.Background()), "expected a second sync with nothing new staged to be a no-op")
	require.EqualValues(t, 1, syncer.Published(), "expected only the creation sync to have published")
}

func TestSyncAppendsFollowUpActionsAtNextRev(t *testing.T) {
	n, _ := newSyncTestNetwork(t, "p1", "p2", "p3")
	ctx := context.Background()

	tx := transactor.New(n, n, n, netface.NewLocalCryptoProvider("p1", nil), zerolog.Nop())
	source := transactor.NewNetworkSource(tx, "")
	staging := tracker.New(source, chainlog.ApplyOp)

	col, err := CreateOrOpen(staging, nil, 0, counterApply)
	require.NoError(t, err)
	source.SetCollectionID(col.CollectionID())

	require.NoError(t, col.Act("a1", 1000, addN(1)))
	syncer := NewSyncer(col, staging, tx, 0)
	require.NoError(t, syncer.Sync(ctx))

	require.NoError(t, col.Act("a2", 1001, addN(2)))
	require.NoError(t, syncer.Sync(ctx))
	require.EqualValues(t, 2, syncer.Published())
	require.Equal(t, 3, col.State().(int))
}

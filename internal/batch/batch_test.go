package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
)

func findCoordinatorByPrefix(rules map[string]peer.ID) FindCoordinator {
	return func(_ context.Context, key block.ID, _ []peer.ID) (peer.ID, error) {
		return rules[string(key)], nil
	}
}

func TestMakeBatchesByPeerSplitsByCoordinator(t *testing.T) {
	at := block.ActionTransforms{
		ActionID: "a1",
		Transforms: block.Transforms{
			Inserts: map[block.ID]*block.Block{
				"b1": {ID: "b1", Payload: []byte("x")},
				"b2": {ID: "b2", Payload: []byte("y")},
			},
			Updates: map[block.ID][]block.Op{},
		},
	}
	fc := findCoordinatorByPrefix(map[string]peer.ID{"b1": "p1", "b2": "p2"})

	batches, err := MakeBatchesByPeer(context.Background(), fc, at)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	byPeer := map[peer.ID]*Batch{}
	for _, b := range batches {
		byPeer[b.Peer] = b
	}
	_, ok := byPeer["p1"].At.Transforms.Inserts["b1"]
	require.True(t, ok, "expected p1's batch to carry b1")
	_, ok = byPeer["p2"].At.Transforms.Inserts["b2"]
	require.True(t, ok, "expected p2's batch to carry b2")
}

type fakeTransport struct {
	mu   sync.Mutex
	fail map[peer.ID]bool
	got  map[peer.ID]block.ActionTransforms
}

func (f *fakeTransport) Pend(_ context.Context, to peer.ID, _ block.ID, at block.ActionTransforms) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = make(map[peer.ID]block.ActionTransforms)
	}
	f.got[to] = at
	if f.fail[to] {
		return errors.New("simulated failure")
	}
	return nil
}

func TestProcessBatchesReportsPerPeerResults(t *testing.T) {
	batches := []*Batch{
		{Peer: "p1", At: block.ActionTransforms{ActionID: "a1"}},
		{Peer: "p2", At: block.ActionTransforms{ActionID: "a1"}},
	}
	transport := &fakeTransport{fail: map[peer.ID]bool{"p2": true}}

	results := ProcessBatches(context.Background(), transport, "col-1", nil, batches)
	require.False(t, EveryBatchSucceeded(results), "expected p2's batch to have failed")

	incomplete := IncompleteBatches(results)
	require.Len(t, incomplete, 1)
	require.Equal(t, peer.ID("p2"), incomplete[0].Peer)
}

func TestProcessBatchesRetriesWithPeerExclusion(t *testing.T) {
	at := block.ActionTransforms{
		ActionID: "a1",
		Transforms: block.Transforms{
			Inserts: map[block.ID]*block.Block{
				"b1": {ID: "b1", Payload: []byte("x")},
			},
			Updates: map[block.ID][]block.Op{},
		},
	}
	fc := func(_ context.Context, key block.ID, excluded []peer.ID) (peer.ID, error) {
		for _, p := range excluded {
			if p == "p2" {
				return "p3", nil
			}
		}
		return "p2", nil
	}
	batches, err := MakeBatchesByPeer(context.Background(), fc, at)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, peer.ID("p2"), batches[0].Peer)

	transport := &fakeTransport{fail: map[peer.ID]bool{"p2": true}}
	results := ProcessBatches(context.Background(), transport, "col-1", fc, batches)

	require.True(t, EveryBatchSucceeded(results), "expected the retry against p3 to succeed")
	require.Len(t, results, 1)
	require.Equal(t, peer.ID("p3"), results[0].Batch.Peer)
	require.Contains(t, results[0].Batch.ExcludedPeers, peer.ID("p2"))

	all := AllBatches(results)
	require.Len(t, all, 1)
	require.Equal(t, peer.ID("p3"), all[0].Peer)

	roots := RootOf(batches[0])
	require.Len(t, roots, 1)
	require.Equal(t, peer.ID("p3"), roots[0].Peer, "expected the original batch's Root to resolve to the successful retry")
}

func TestProcessBatchesGivesUpWithoutFindCoordinator(t *testing.T) {
	batches := []*Batch{{Peer: "p2", At: block.ActionTransforms{ActionID: "a1"}}}
	transport := &fakeTransport{fail: map[peer.ID]bool{"p2": true}}

	results := ProcessBatches(context.Background(), transport, "col-1", nil, batches)
	require.False(t, EveryBatchSucceeded(results))
	require.Empty(t, batches[0].Retries(), "expected no retry to be attempted without a findCoordinator")
}

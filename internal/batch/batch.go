package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/gotchoices/optimystic/internal/block"
)

// FindCoordinator resolves a block id to the peer that coordinates it,
// skipping past any peer named in excluded; satisfied by
// routing.Router.FindCoordinator.
type FindCoordinator func(ctx context.Context, key block.ID, excluded []peer.ID) (peer.ID, error)

// Transport is the narrow surface batch needs to ship a batch's
// transforms to its coordinator; satisfied by netface.RepoTransport.
type Transport interface {
	Pend(ctx context.Context, to peer.ID, collectionID block.ID, at block.ActionTransforms) error
}

// batchExpiration bounds how long ProcessBatches keeps retrying a
// failed batch against re-routed coordinators before giving up on it
// (retries are gated on the clock, not just the attempt count).
const batchExpiration = 5 * time.Second

// maxBatchAttempts additionally bounds how many times a batch's blocks
// can be re-routed, independent of wall-clock expiration, so a
// pathologically small cluster can't retry forever.
const maxBatchAttempts = 4

// Batch is one peer's share of a transaction's transforms. When
// dispatch to Peer fails, ProcessBatches re-resolves Batch's blocks
// excluding every peer already tried and attaches the resulting
// batch(es) as retries via attachRetry: because excluding a peer can
// cause different blocks to land on different new coordinators, one
// failed batch can retry into several. Retries attach to the batch that
// failed, which may itself be a retry, so the accounting is a tree that
// nests one level per failed attempt (follow subsumedBy to its leaves),
// not a flat list under the original root.
type Batch struct {
	Peer          peer.ID
	At            block.ActionTransforms
	Attempt       int
	ExcludedPeers []peer.ID

	mu         sync.Mutex
	subsumedBy []*Batch
}

// attachRetry records retry as having superseded b.
func (b *Batch) attachRetry(retry *Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subsumedBy = append(b.subsumedBy, retry)
}

// Retries returns the batches that directly superseded b, if any.
func (b *Batch) Retries() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Batch(nil), b.subsumedBy...)
}

// Root reports the still-live batch(es) descended from b: b itself if
// it was never retried, or the flattened terminal leaves of its retry
// forest otherwise.
func (b *Batch) Root() []*Batch {
	retries := b.Retries()
	if len(retries) == 0 {
		return []*Batch{b}
	}
	out := make([]*Batch, 0, len(retries))
	for _, r := range retries {
		out = append(out, r.Root()...)
	}
	return out
}

// RootOf is a package-level spelling of b.Root(), for callers that
// received a *Batch from a Result rather than holding one locally.
func RootOf(b *Batch) []*Batch { return b.Root() }

// MakeBatchesByPeer splits at's transforms by each touched block's
// coordinator, using block.Concat to assemble each peer's share.
func MakeBatchesByPeer(ctx context.Context, findCoordinator FindCoordinator, at block.ActionTransforms) ([]*Batch, error) {
	return createBatchesForPayload(ctx, at.Transforms.BlockIDs(), at, nil, findCoordinator, 0)
}

// createBatchesForPayload groups blockIDs (a subset of at's touched
// blocks, in general) by coordinator, excluding every peer in
// excluded, and tags the resulting batches with attempt.
func createBatchesForPayload(ctx context.Context, blockIDs []block.ID, at block.ActionTransforms, excluded []peer.ID, findCoordinator FindCoordinator, attempt int) ([]*Batch, error) {
	perPeer := make(map[peer.ID]block.Transforms)
	for _, id := range blockIDs {
		p, err := findCoordinator(ctx, id, excluded)
		if err != nil {
			return nil, fmt.Errorf("batch: find coordinator for %s: %w", id, err)
		}
		acc, ok := perPeer[p]
		if !ok {
			acc = block.NewTransforms()
		}
		acc, err = block.Concat(acc, id, at.Transforms.ForBlock(id))
		if err != nil {
			return nil, fmt.Errorf("batch: concat %s into %s's batch: %w", id, p, err)
		}
		perPeer[p] = acc
	}

	batches := make([]*Batch, 0, len(perPeer))
	for p, t := range perPeer {
		batches = append(batches, &Batch{
			Peer:          p,
			At:            block.ActionTransforms{ActionID: at.ActionID, Rev: at.Rev, Transforms: t},
			Attempt:       attempt,
			ExcludedPeers: append([]peer.ID(nil), excluded...),
		})
	}
	return batches, nil
}

// Result is the outcome of dispatching one Batch (a leaf of the retry
// forest: one that either succeeded or ran out of retries).
type Result struct {
	Batch *Batch
	Err   error
}

// ProcessBatches dispatches every batch to its peer concurrently via
// transport.Pend. A batch whose peer fails is retried against a
// re-resolved, excluding coordinator until it succeeds,
// findCoordinator is nil, the attempt budget is spent, or
// batchExpiration passes; the returned results are the leaves of every
// input batch's retry forest, one per still-outstanding attempt.
func ProcessBatches(ctx context.Context, transport Transport, collectionID block.ID, findCoordinator FindCoordinator, batches []*Batch) []Result {
	deadline := time.Now().Add(batchExpiration)
	var mu sync.Mutex
	var results []Result
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			leaves := dispatchWithRetry(gctx, transport, collectionID, findCoordinator, b, deadline)
			mu.Lock()
			results = append(results, leaves...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func dispatchWithRetry(ctx context.Context, transport Transport, collectionID block.ID, findCoordinator FindCoordinator, b *Batch, deadline time.Time) []Result {
	err := transport.Pend(ctx, b.Peer, collectionID, b.At)
	if err == nil {
		return []Result{{Batch: b, Err: nil}}
	}
	if findCoordinator == nil || b.Attempt >= maxBatchAttempts || time.Now().After(deadline) {
		return []Result{{Batch: b, Err: err}}
	}

	excluded := append(append([]peer.ID(nil), b.ExcludedPeers...), b.Peer)
	retries, rerouteErr := createBatchesForPayload(ctx, b.At.Transforms.BlockIDs(), b.At, excluded, findCoordinator, b.Attempt+1)
	if rerouteErr != nil || len(retries) == 0 {
		return []Result{{Batch: b, Err: err}}
	}

	var out []Result
	for _, retry := range retries {
		b.attachRetry(retry)
		out = append(out, dispatchWithRetry(ctx, transport, collectionID, findCoordinator, retry, deadline)...)
	}
	return out
}

// IncompleteBatches returns the batches whose Result carried an error.
func IncompleteBatches(results []Result) []*Batch {
	var out []*Batch
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r.Batch)
		}
	}
	return out
}

// AllBatches returns the distinct terminal batches (post RootOf)
// across every result, for callers accounting for the whole retry
// forest.
func AllBatches(results []Result) []*Batch {
	seen := make(map[*Batch]struct{})
	var out []*Batch
	for _, r := range results {
		for _, leaf := range RootOf(r.Batch) {
			if _, ok := seen[leaf]; ok {
				continue
			}
			seen[leaf] = struct{}{}
			out = append(out, leaf)
		}
	}
	return out
}

// EveryBatchSucceeded reports whether every result in results carried
// no error.
func EveryBatchSucceeded(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

package transactor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/gotchoices/optimystic/internal/batch"
	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/canon"
	"github.com/gotchoices/optimystic/internal/consensus"
	"github.com/gotchoices/optimystic/internal/netface"
)

// KeyRouter is the routing surface Transactor needs; satisfied by
// routing.Router.
type KeyRouter interface {
	FindCoordinator(ctx context.Context, key block.ID, excluded []peer.ID) (peer.ID, error)
	FindCluster(ctx context.Context, key block.ID) ([]peer.ID, error)
}

// Transactor is the client-facing get/pend/commit/cancel surface.
type Transactor struct {
	router    KeyRouter
	repo      netface.RepoTransport
	consensus netface.ConsensusTransport
	crypto    netface.CryptoProvider
	logger    zerolog.Logger
}

// New constructs a Transactor over the given collaborators.
func New(router KeyRouter, repo netface.RepoTransport, cons netface.ConsensusTransport, crypto netface.CryptoProvider, logger zerolog.Logger) *Transactor {
	return &Transactor{router: router, repo: repo, consensus: cons, crypto: crypto, logger: logger}
}

// Get reads blockID from collectionID by asking every member of the
// block's cohort concurrently and resolving on the majority-agreed
// materialized state. A peer answering with a nil Block is an
// affirmative "this block does not exist here" and counts as a
// response; only peers that failed to answer at all are non-responses,
// and IncompleteReadError is returned only when the whole cohort
// failed that way. If every responder reports not-found, Get returns a
// GetResult with a nil Block and no error — the block simply does not
// exist. When responses disagree, a block-bearing response always
// beats a bare not-found (a materialized copy outranks bare state).
//
// actionCtx, when non-nil, pins the read to a frontier the caller has
// already observed: a cohort member that hasn't caught up yet answers
// with repo.ErrContextNotYetVisible and is excluded from the majority
// vote rather than counted as disagreeing. A minority of peers that
// answered with something else (or didn't answer at all) are healed in
// the background via Repair, so a single lagging or previously-dropped
// commit is reconciled by the next read that touches it rather than
// requiring an explicit repair pass.
func (t *Transactor) Get(ctx context.Context, collectionID, blockID block.ID, actionCtx *block.ActionContext) (block.GetResult, error) {
	cohort, err := t.router.FindCluster(ctx, blockID)
	if err != nil {
		return block.GetResult{}, fmt.Errorf("transactor: get %s/%s: resolve cohort: %w", collectionID, blockID, err)
	}

	responses := make([]*block.GetResult, len(cohort))
	errs := make([]error, len(cohort))
	{
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range cohort {
			i, p := i, p
			g.Go(func() error {
				res, err := t.repo.Get(gctx, p, collectionID, blockID, actionCtx)
				if err != nil {
					errs[i] = err
					return nil
				}
				responses[i] = &res
				return nil
			})
		}
		_ = g.Wait()
	}
	var lastErr error
	responded := 0
	for i := range responses {
		if responses[i] != nil {
			responded++
		} else if errs[i] != nil {
			lastErr = errs[i]
		}
	}
	if responded == 0 {
		return block.GetResult{}, &IncompleteReadError{CollectionID: collectionID, BlockID: blockID, Cohort: cohort, Cause: lastErr}
	}

	winner, winnerCount, variants := majorityBlock(responses)
	if winner == nil {
		// Every responder affirmatively reported not-found; surface the
		// freshest state observed so the caller still sees pendings.
		return block.GetResult{State: freshestState(responses)}, nil
	}

	if stale := len(cohort) - winnerCount; stale > 0 {
		if variants > 1 {
			t.logger.Warn().Err(&IntegrityError{CollectionID: collectionID, BlockID: blockID, Variants: variants}).
				Str("collection", string(collectionID)).Str("block", string(blockID)).Msg("restoring cohort member(s) to majority state")
		}
		t.restoreAsync(collectionID, blockID, cohort, responses, winner.Block)
	}
	return *winner, nil
}

// freshestState picks the per-block state with the highest committed
// revision among the responses, so a caller that got "not found" still
// learns the most advanced pendings view the cohort holds.
func freshestState(responses []*block.GetResult) block.BlockState {
	var out block.BlockState
	picked := false
	for _, res := range responses {
		if res == nil {
			continue
		}
		if !picked || res.State.Latest > out.Latest {
			out = res.State
			picked = true
		}
	}
	return out
}

// GetMany reads a set of block ids in one logical call, fanning each
// distinct id's cohort read out concurrently via Get. It returns a
// result per readable id — a nil Block inside a result is a valid
// "does not exist", not a failure. If any id could not be read at all
// (its whole cohort failed to respond), the partial result map is
// returned alongside an IncompleteReadError whose Failed map names
// every offending block and its cause.
func (t *Transactor) GetMany(ctx context.Context, collectionID block.ID, blockIDs []block.ID, actionCtx *block.ActionContext) (map[block.ID]block.GetResult, error) {
	distinct := make([]block.ID, 0, len(blockIDs))
	seen := make(map[block.ID]struct{}, len(blockIDs))
	for _, id := range blockIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}

	results := make([]block.GetResult, len(distinct))
	errs := make([]error, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range distinct {
		i, id := i, id
		g.Go(func() error {
			results[i], errs[i] = t.Get(gctx, collectionID, id, actionCtx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[block.ID]block.GetResult, len(distinct))
	failed := make(map[block.ID]error)
	for i, id := range distinct {
		if errs[i] != nil {
			failed[id] = errs[i]
			continue
		}
		out[id] = results[i]
	}
	if len(failed) > 0 {
		return out, &IncompleteReadError{CollectionID: collectionID, Failed: failed}
	}
	return out, nil
}

// majorityBlock picks the block value (by byte-identical payload) held
// by the most responses, skipping non-responses and affirmative
// not-founds (a materialized copy always outranks bare state). Ties
// are broken by first occurrence, so the result is deterministic for a
// given response ordering. Returns the winning response, how many
// responses held its block, and how many distinct block variants were
// observed in total.
func majorityBlock(responses []*block.GetResult) (winner *block.GetResult, winnerCount, variants int) {
	type group struct {
		res   *block.GetResult
		count int
	}
	var groups []group
	for _, res := range responses {
		if res == nil || res.Block == nil {
			continue
		}
		matched := false
		for i := range groups {
			if groups[i].res.Block.Type == res.Block.Type && bytes.Equal(groups[i].res.Block.Payload, res.Block.Payload) {
				groups[i].count++
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, group{res: res, count: 1})
		}
	}
	variants = len(groups)
	for _, g := range groups {
		if g.count > winnerCount {
			winner, winnerCount = g.res, g.count
		}
	}
	return winner, winnerCount, variants
}

// restoreAsync repairs every cohort member whose response didn't match
// winner — including peers that reported not-found or failed to answer
// — as a detached background task: the caller of Get already has its
// answer and must not block on healing peers it isn't waiting on.
func (t *Transactor) restoreAsync(collectionID, blockID block.ID, cohort []peer.ID, responses []*block.GetResult, winner *block.Block) {
	go func() {
		ctx := context.Background()
		for i, p := range cohort {
			res := responses[i]
			if res != nil && res.Block != nil && res.Block.Type == winner.Type && bytes.Equal(res.Block.Payload, winner.Payload) {
				continue
			}
			if err := t.repo.Repair(ctx, p, winner); err != nil {
				t.logger.Warn().Err(err).Str("peer", string(p)).Str("collection", string(collectionID)).
					Str("block", string(blockID)).Msg("restore: failed to repair cohort member")
			}
		}
	}()
}

// Pend fans at's transforms out to every peer that coordinates one of
// its touched blocks, via batch.MakeBatchesByPeer/ProcessBatches; a
// peer whose batch fails is retried against a re-routed, excluding
// coordinator before Pend gives up on it. policy governs how each
// coordinator handles a block at shares with another, still-pending
// action (block.PolicyFail/Continue/Return).
func (t *Transactor) Pend(ctx context.Context, collectionID block.ID, at block.ActionTransforms, policy block.Policy) error {
	batches, err := batch.MakeBatchesByPeer(ctx, t.router.FindCoordinator, at)
	if err != nil {
		return fmt.Errorf("transactor: pend %s: %w", at.ActionID, err)
	}

	results := batch.ProcessBatches(ctx, pendAdapter{repo: t.repo, policy: policy}, collectionID, t.router.FindCoordinator, batches)
	if !batch.EveryBatchSucceeded(results) {
		t.CancelAsync(ctx, collectionID, at.ActionID)
		return &StaleFailure{ActionID: at.ActionID, Failures: failuresByPeer(results)}
	}

	// Record the coordinator that accepted each block's staging as the
	// router hint for the commit round that follows.
	if rec, ok := t.router.(coordinatorRecorder); ok {
		for _, res := range results {
			for _, id := range res.Batch.At.Transforms.BlockIDs() {
				rec.RecordCoordinator(id, res.Batch.Peer)
			}
		}
	}
	return nil
}

// coordinatorRecorder is the optional router surface Pend writes its
// post-success coordinator hints through; routing.Router satisfies it,
// raw netface.KeyNetwork implementations need not.
type coordinatorRecorder interface {
	RecordCoordinator(key block.ID, p peer.ID)
}

// Commit drives promise and commit rounds of coordinator consensus
// across collectionID's cohort for an action whose transforms were
// already staged via Pend. headerID, when non-nil, names the block
// whose coordinator anchors the cohort's natural ordering (the
// collection's log header); tailID names the block whose coordinator
// is this transaction's linearization point. The commit-phase fan-out
// visits the header peer first, the tail peer second, then the rest of
// the cohort: only a header or tail failure is fatal (the tail commit
// is the linearization point), a later peer's failure is logged and
// left for read-time repair instead of failing the whole commit.
func (t *Transactor) Commit(ctx context.Context, collectionID block.ID, actionID block.ActionID, blockIDs []block.ID, headerID *block.ID, tailID block.ID, rev block.Rev) error {
	cohort, err := t.router.FindCluster(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("transactor: commit %s: resolve cohort: %w", actionID, err)
	}

	messageHash, err := canon.HashBytes(commitMessage{ActionID: actionID, CollectionID: collectionID, BlockIDs: sortedBlockIDs(blockIDs), Rev: rev})
	if err != nil {
		return fmt.Errorf("transactor: commit %s: hash message: %w", actionID, err)
	}
	record := consensus.NewClusterRecord(messageHash, actionID, cohort)
	record.CollectionID = collectionID
	record.Op = consensus.OpCommit
	record.BlockIDs = blockIDs
	record.Rev = rev

	record, err = t.runRound(ctx, cohort, record, t.consensus.Propose)
	if err != nil {
		return fmt.Errorf("transactor: commit %s: promise round: %w", actionID, err)
	}
	switch record.Phase() {
	case consensus.PhaseRejected:
		t.CancelAsync(ctx, collectionID, actionID)
		return fmt.Errorf("transactor: commit %s: promise round rejected", actionID)
	case consensus.PhasePending:
		t.CancelAsync(ctx, collectionID, actionID)
		return fmt.Errorf("transactor: commit %s: failed to reach promise majority", actionID)
	}

	order, tailIndex := t.orderForCommit(ctx, cohort, headerID, tailID)
	current := record
	for i, p := range order {
		updated, err := t.consensus.CommitPhase(ctx, p, current)
		if err != nil {
			if i <= tailIndex {
				t.CancelAsync(ctx, collectionID, actionID)
				return fmt.Errorf("transactor: commit %s: commit round: peer %s (header/tail): %w", actionID, p, err)
			}
			t.logger.Warn().Str("peer", string(p)).Str("action", string(actionID)).Err(err).
				Msg("commit: non-tail cohort member failed to commit, leaving for read-time repair")
			continue
		}
		current = updated
	}
	if current.Phase() == consensus.PhaseRejected {
		return fmt.Errorf("transactor: commit %s: commit round rejected", actionID)
	}
	if !current.WasExecuted() {
		return fmt.Errorf("transactor: commit %s: failed to reach commit majority", actionID)
	}

	// The pass above only grows current one signature at a time, so a
	// peer visited early (the tail peer, most importantly) may not have
	// seen enough signatures yet to reach PhaseCommitted on its own
	// local copy. Broadcast the now fully-signed record back to every
	// member so each one executes exactly once via its own
	// ExecutionTracker.
	for _, p := range order {
		if _, err := t.consensus.CommitPhase(ctx, p, current); err != nil {
			t.logger.Warn().Str("peer", string(p)).Str("action", string(actionID)).Err(err).
				Msg("commit: failed to broadcast final record to cohort member")
		}
	}

	t.logger.Debug().Str("collection", string(collectionID)).Str("action", string(actionID)).Msg("committed")
	return nil
}

// commitMessage is the canonical, hashable restatement of a commit's
// identity: the values every cohort member must agree signs the same
// thing, independent of the (possibly large) transforms already
// shipped to each coordinator via Pend.
type commitMessage struct {
	ActionID     block.ActionID
	CollectionID block.ID
	BlockIDs     []block.ID
	Rev          block.Rev
}

func sortedBlockIDs(ids []block.ID) []block.ID {
	out := append([]block.ID(nil), ids...)
	slices.Sort(out)
	return out
}

// orderForCommit reorders cohort so the header peer (if named and
// distinct from the tail) comes first, the tail peer comes next, and
// the rest of the cohort follows in its original relative order. It
// returns the reordered slice and the index within it of the last
// header/tail peer, i.e. the prefix whose failure is fatal.
func (t *Transactor) orderForCommit(ctx context.Context, cohort []peer.ID, headerID *block.ID, tailID block.ID) ([]peer.ID, int) {
	var headerPeer peer.ID
	if headerID != nil {
		if p, err := t.router.FindCoordinator(ctx, *headerID, nil); err == nil {
			headerPeer = p
		}
	}
	tailPeer, err := t.router.FindCoordinator(ctx, tailID, nil)
	if err != nil {
		tailPeer = ""
	}

	var prefix []peer.ID
	if headerPeer != "" {
		prefix = append(prefix, headerPeer)
	}
	if tailPeer != "" && tailPeer != headerPeer {
		prefix = append(prefix, tailPeer)
	}

	rest := make([]peer.ID, 0, len(cohort))
	for _, p := range cohort {
		if p == headerPeer || p == tailPeer {
			continue
		}
		rest = append(rest, p)
	}

	order := append(prefix, rest...)
	tailIndex := len(prefix) - 1
	if tailIndex < 0 {
		tailIndex = 0
	}
	return order, tailIndex
}

// consensusStep is either ConsensusTransport.Propose or .CommitPhase.
type consensusStep func(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error)

// runRound sends record to every cohort member via step, folding each
// response back with consensus.Resolve so a peer that raced ahead
// (more signatures) always wins over a stale local view.
func (t *Transactor) runRound(ctx context.Context, cohort []peer.ID, record *consensus.ClusterRecord, step consensusStep) (*consensus.ClusterRecord, error) {
	current := record
	for _, p := range cohort {
		updated, err := step(ctx, p, current)
		if err != nil {
			t.logger.Warn().Str("peer", string(p)).Err(err).Msg("consensus round step failed")
			continue
		}
		current = consensus.Resolve(current, updated)
	}
	return current, nil
}

// Cancel best-effort fans a cancel request out to every member of
// collectionID's cohort, logging (but not returning) individual
// failures.
func (t *Transactor) Cancel(ctx context.Context, collectionID block.ID, actionID block.ActionID) {
	cohort, err := t.router.FindCluster(ctx, collectionID)
	if err != nil {
		t.logger.Warn().Err(err).Str("action", string(actionID)).Msg("cancel: failed to resolve cohort")
		return
	}
	for _, p := range cohort {
		if err := t.repo.Cancel(ctx, p, collectionID, actionID); err != nil {
			t.logger.Warn().Str("peer", string(p)).Str("action", string(actionID)).Err(err).Msg("cancel: peer rejected cancel")
		}
	}
}

// CancelAsync runs Cancel as a detached background task, for callers
// that must not block their own transaction flow on a best-effort
// cleanup.
func (t *Transactor) CancelAsync(ctx context.Context, collectionID block.ID, actionID block.ActionID) {
	go t.Cancel(ctx, collectionID, actionID)
}

// NetworkSource adapts Get into the read-only block source a Tracker
// stages on top of (tracker.Source), so a collection can be opened
// against the cohort's replicated, majority-resolved state instead of
// any single peer's local repo.
type NetworkSource struct {
	tx           *Transactor
	collectionID block.ID
}

// NewNetworkSource returns a source reading collectionID through tx.
// collectionID may be left empty while the collection is being created
// (every read before the id is known is satisfied out of the tracker's
// own staged inserts); call SetCollectionID once the real id exists.
func NewNetworkSource(tx *Transactor, collectionID block.ID) *NetworkSource {
	return &NetworkSource{tx: tx, collectionID: collectionID}
}

// SetCollectionID retargets s at collectionID.
func (s *NetworkSource) SetCollectionID(collectionID block.ID) {
	s.collectionID = collectionID
}

// TryGet implements the tracker.Source contract.
func (s *NetworkSource) TryGet(id block.ID) (*block.Block, bool) {
	res, err := s.tx.Get(context.Background(), s.collectionID, id, nil)
	if err != nil || res.Block == nil {
		return nil, false
	}
	return res.Block, true
}

func failuresByPeer(results []batch.Result) map[peer.ID]error {
	out := make(map[peer.ID]error)
	for _, r := range results {
		if r.Err != nil {
			out[r.Batch.Peer] = r.Err
		}
	}
	return out
}

// pendAdapter narrows netface.RepoTransport to batch.Transport,
// carrying the conflict-handling policy a given Pend call was asked
// to use.
type pendAdapter struct {
	repo   netface.RepoTransport
	policy block.Policy
}

func (a pendAdapter) Pend(ctx context.Context, to peer.ID, collectionID block.ID, at block.ActionTransforms) error {
	return a.repo.Pend(ctx, to, collectionID, at, a.policy)
}

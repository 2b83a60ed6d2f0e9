package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gotchoices/optimystic/internal/block"
)

// collectionState is the per-collection bookkeeping a Repo keeps:
// which action transforms are staged (pending) and against which
// blocks, which have committed and at which revision, and the
// collection's latest committed revision.
type collectionState struct {
	pending        map[block.ActionID]block.ActionTransforms
	pendingByBlock map[block.ID][]block.ActionID
	committed      map[block.ActionID]block.ActionTransforms
	revAction      map[block.Rev]block.ActionID
	actionRev      map[block.ActionID]block.Rev
	latestRev      block.Rev
}

func newCollectionState() *collectionState {
	return &collectionState{
		pending:        make(map[block.ActionID]block.ActionTransforms),
		pendingByBlock: make(map[block.ID][]block.ActionID),
		committed:      make(map[block.ActionID]block.ActionTransforms),
		revAction:      make(map[block.Rev]block.ActionID),
		actionRev:      make(map[block.ActionID]block.Rev),
	}
}

// Applier interprets one staged update op against a block's current
// materialized state, returning the resulting block. Op semantics are
// owned by the layer that created the block (chainlog.ApplyOp for
// chain-owned blocks, a collection's own applier for its data blocks);
// Repo just needs some applier to materialize committed updates.
type Applier func(b *block.Block, op block.Op) (*block.Block, error)

// Repo is the per-peer local store facade. It does not itself decide
// whether an action should commit (that is the
// Transactor/consensus layer's job); it records what Pend stages,
// materializes what Commit says has been decided, and forgets what
// Cancel says never happened.
type Repo struct {
	mu      sync.RWMutex
	storage RawStorage
	applier Applier
	logger  zerolog.Logger
	state   map[block.ID]*collectionState
}

// New constructs a Repo over storage. applier materializes committed
// update ops; a nil applier falls back to appending each op's raw Data
// to the block payload, which is only correct for blocks whose payload
// is an append-only byte log. logger is used as-is (callers attach
// component="repo" before passing it in, matching the
// constructor-injection convention the rest of this module follows).
func New(storage RawStorage, applier Applier, logger zerolog.Logger) *Repo {
	return &Repo{
		storage: storage,
		applier: applier,
		logger:  logger,
		state:   make(map[block.ID]*collectionState),
	}
}

// Get returns the materialized (committed) block for
// collectionID/blockID together with its state: the collection
// revision this peer has committed through and the actions currently
// pending against the block. A block with no materialized copy is an
// affirmative not-found — GetResult.Block is nil, State is still
// populated, and no error is returned; errors are reserved for a
// storage fault or a context this peer hasn't caught up to. When
// actionCtx is non-nil, Get first checks that this peer's local state
// has caught up to the frontier actionCtx pins (its Rev, and every
// action it names as already committed); if not, it returns
// ErrContextNotYetVisible rather than guessing at a historical value
// Repo never kept a snapshot of.
func (r *Repo) Get(ctx context.Context, collectionID, blockID block.ID, actionCtx *block.ActionContext) (block.GetResult, error) {
	if actionCtx != nil && !r.isVisible(collectionID, actionCtx) {
		return block.GetResult{}, ErrContextNotYetVisible
	}
	state := r.blockState(collectionID, blockID)
	b, err := r.storage.Get(ctx, collectionID, blockID)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return block.GetResult{State: state}, nil
		}
		return block.GetResult{}, err
	}
	return block.GetResult{Block: b, State: state}, nil
}

// blockState snapshots the per-block bookkeeping half of a read
// response.
func (r *Repo) blockState(collectionID, blockID block.ID) block.BlockState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.state[collectionID]
	if !ok {
		return block.BlockState{}
	}
	return block.BlockState{
		Latest:   cs.latestRev,
		Pendings: append([]block.ActionID(nil), cs.pendingByBlock[blockID]...),
	}
}

func (r *Repo) isVisible(collectionID block.ID, actionCtx *block.ActionContext) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.state[collectionID]
	if !ok {
		return actionCtx.Rev == 0 && len(actionCtx.Committed) == 0
	}
	if cs.latestRev < actionCtx.Rev {
		return false
	}
	for _, want := range actionCtx.Committed {
		got, ok := cs.actionRev[want.ActionID]
		if !ok || got != want.Rev {
			return false
		}
	}
	return true
}

// Pend stages at's transforms under its ActionID, making them visible
// to Pending queries but not yet applied to materialized state.
// Re-pending the same, still-pending ActionID merges with its staged
// transforms at block granularity (see mergePend), so one logical
// action may arrive as several per-coordinator slices. policy governs
// what happens when at touches a block
// another, still-pending action has already staked a claim on:
// PolicyContinue stages anyway, PolicyFail and PolicyReturn both
// refuse with a *StaleFailure naming the conflicting action(s)
// (PolicyReturn additionally includes their staged Transforms). If
// at.Rev is set, it names the revision the caller expects this action
// to land at; a caller whose view has fallen behind the collection's
// actual latest revision gets a *StaleFailure naming what it missed.
func (r *Repo) Pend(_ context.Context, collectionID block.ID, at block.ActionTransforms, policy block.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.collectionLocked(collectionID)

	if _, already := cs.committed[at.ActionID]; already {
		return fmt.Errorf("repo: pend: action %s already committed", at.ActionID)
	}

	for _, id := range at.Transforms.BlockIDs() {
		t := at.Transforms.ForBlock(id)
		if t.Insert != nil {
			continue
		}
		if len(cs.pendingByBlock[id]) > 0 {
			// Some action (this one or another) already has a staged
			// transform against id, insert included; that pending insert
			// makes id a legitimate update/delete target even though it
			// isn't materialized yet.
			continue
		}
		if _, err := r.storage.Get(context.Background(), collectionID, id); err != nil {
			if err == ErrBlockNotFound {
				return fmt.Errorf("repo: pend %s: block %s does not exist, cannot update or delete it", at.ActionID, id)
			}
			return fmt.Errorf("repo: pend %s: check %s: %w", at.ActionID, id, err)
		}
	}

	if at.Rev != nil && *at.Rev != cs.latestRev+1 {
		return &StaleFailure{ActionID: at.ActionID, Missing: missingSinceLocked(cs, *at.Rev)}
	}

	conflicts := conflictingActionsLocked(cs, at)
	if len(conflicts) > 0 && policy != block.PolicyContinue {
		pending := make([]block.ActionPending, 0, len(conflicts))
		for _, id := range conflicts {
			ap := block.ActionPending{ActionID: id}
			if policy == block.PolicyReturn {
				ap.Transforms = cs.pending[id].Transforms
			}
			pending = append(pending, ap)
		}
		return &StaleFailure{ActionID: at.ActionID, Pending: pending}
	}

	if prior, ok := cs.pending[at.ActionID]; ok {
		at = mergePend(prior, at)
	}
	r.unindexPendingLocked(cs, at.ActionID)
	cs.pending[at.ActionID] = at
	for _, id := range at.Transforms.BlockIDs() {
		cs.pendingByBlock[id] = appendActionID(cs.pendingByBlock[id], at.ActionID)
	}
	return nil
}

// mergePend folds a further pend for an already-staged action into the
// prior staging at block granularity: a block the incoming transforms
// touch replaces that block's prior slice, blocks only the prior pend
// touched are preserved. An action's transforms commonly arrive as
// per-coordinator slices of one logical mutation set (the batch
// fan-out), so the action is present on a block only once every slice
// touching it has been stored.
func mergePend(prior, incoming block.ActionTransforms) block.ActionTransforms {
	merged := block.NewTransforms()
	for id, b := range prior.Transforms.Inserts {
		merged.Inserts[id] = b
	}
	for id, ops := range prior.Transforms.Updates {
		merged.Updates[id] = ops
	}
	merged.Deletes = append([]block.ID(nil), prior.Transforms.Deletes...)

	for _, id := range incoming.Transforms.BlockIDs() {
		delete(merged.Inserts, id)
		delete(merged.Updates, id)
		merged.Deletes = removeBlockID(merged.Deletes, id)
		if b, ok := incoming.Transforms.Inserts[id]; ok {
			merged.Inserts[id] = b
		}
		if ops, ok := incoming.Transforms.Updates[id]; ok {
			merged.Updates[id] = ops
		}
		for _, d := range incoming.Transforms.Deletes {
			if d == id {
				merged.Deletes = append(merged.Deletes, id)
				break
			}
		}
	}

	out := block.ActionTransforms{ActionID: incoming.ActionID, Rev: incoming.Rev, Transforms: merged}
	if out.Rev == nil {
		out.Rev = prior.Rev
	}
	return out
}

func removeBlockID(ids []block.ID, id block.ID) []block.ID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// conflictingActionsLocked returns the distinct, still-pending
// ActionIDs (other than at.ActionID) already staked against any block
// at.Transforms touches.
func conflictingActionsLocked(cs *collectionState, at block.ActionTransforms) []block.ActionID {
	seen := make(map[block.ActionID]struct{})
	var out []block.ActionID
	for _, id := range at.Transforms.BlockIDs() {
		for _, other := range cs.pendingByBlock[id] {
			if other == at.ActionID {
				continue
			}
			if _, ok := seen[other]; ok {
				continue
			}
			seen[other] = struct{}{}
			out = append(out, other)
		}
	}
	return out
}

// missingSinceLocked collects the committed ActionTransforms for every
// revision in [from, cs.latestRev] this peer actually recorded, for a
// caller whose own view of the collection starts at from.
func missingSinceLocked(cs *collectionState, from block.Rev) []block.ActionTransforms {
	var out []block.ActionTransforms
	for rev := from; rev <= cs.latestRev; rev++ {
		id, ok := cs.revAction[rev]
		if !ok {
			continue
		}
		out = append(out, cs.committed[id])
	}
	return out
}

// unindexPendingLocked removes actionID's entries from pendingByBlock,
// e.g. before re-staging it under a possibly different set of blocks.
func (r *Repo) unindexPendingLocked(cs *collectionState, actionID block.ActionID) {
	prior, ok := cs.pending[actionID]
	if !ok {
		return
	}
	for _, id := range prior.Transforms.BlockIDs() {
		cs.pendingByBlock[id] = removeActionID(cs.pendingByBlock[id], actionID)
	}
}

func appendActionID(ids []block.ActionID, id block.ActionID) []block.ActionID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeActionID(ids []block.ActionID, id block.ActionID) []block.ActionID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// Commit applies actionID's previously-pended transforms to durable
// storage at rev, and moves the action from pending to committed.
// Recommitting the same (actionID, rev) pair that already committed is
// an idempotent no-op success, so a retried or redundantly-observed
// commit never fails a caller that already succeeded once. rev must be
// exactly one past the collection's current latest revision; any other
// rev comes back as a *StaleFailure. An action that was never pended,
// or that already committed at a different rev, is refused with a plain
// error.
func (r *Repo) Commit(ctx context.Context, collectionID block.ID, actionID block.ActionID, rev block.Rev) error {
	r.mu.Lock()
	cs := r.collectionLocked(collectionID)
	if committedRev, ok := cs.actionRev[actionID]; ok {
		r.mu.Unlock()
		if committedRev == rev {
			return nil
		}
		return fmt.Errorf("repo: commit %s: already committed at rev %d, cannot recommit at rev %d", actionID, committedRev, rev)
	}
	at, ok := cs.pending[actionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repo: commit: action %s was not pending", actionID)
	}
	if rev != cs.latestRev+1 {
		failure := &StaleFailure{ActionID: actionID, Missing: missingSinceLocked(cs, rev)}
		r.mu.Unlock()
		return failure
	}
	r.mu.Unlock()

	if err := r.applyTransforms(ctx, collectionID, at); err != nil {
		return fmt.Errorf("repo: commit %s: %w", actionID, err)
	}

	r.mu.Lock()
	cs = r.collectionLocked(collectionID)
	r.unindexPendingLocked(cs, actionID)
	delete(cs.pending, actionID)
	cs.committed[actionID] = at
	cs.revAction[rev] = actionID
	cs.actionRev[actionID] = rev
	cs.latestRev = rev
	r.mu.Unlock()

	r.logger.Debug().Str("collection", string(collectionID)).Str("action", string(actionID)).Uint64("rev", uint64(rev)).Msg("committed")
	return nil
}

func (r *Repo) applyTransforms(ctx context.Context, collectionID block.ID, at block.ActionTransforms) error {
	for id, b := range at.Transforms.Inserts {
		b.ID = id
		b.CollectionID = collectionID
		if err := r.storage.Put(ctx, b); err != nil {
			return fmt.Errorf("put %s: %w", id, err)
		}
	}
	for id, ops := range at.Transforms.Updates {
		b, err := r.storage.Get(ctx, collectionID, id)
		if err != nil {
			return fmt.Errorf("get %s for update: %w", id, err)
		}
		for _, op := range ops {
			if r.applier != nil {
				b, err = r.applier(b, op)
				if err != nil {
					return fmt.Errorf("apply %q to %s: %w", op.Kind, id, err)
				}
				continue
			}
			b.Payload = append(append([]byte(nil), b.Payload...), op.Data...)
		}
		if err := r.storage.Put(ctx, b); err != nil {
			return fmt.Errorf("put updated %s: %w", id, err)
		}
	}
	for _, id := range at.Transforms.Deletes {
		if err := r.storage.Delete(ctx, collectionID, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

// Cancel discards actionID's staged transforms without applying them.
// A no-op (not an error) if actionID was never pended or has already
// committed; cancel is best-effort all the way down.
func (r *Repo) Cancel(_ context.Context, collectionID block.ID, actionID block.ActionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.collectionLocked(collectionID)
	r.unindexPendingLocked(cs, actionID)
	delete(cs.pending, actionID)
	return nil
}

// RestoreBlock directly overwrites b's materialized storage, bypassing
// the pend/commit path entirely. It exists solely for the transactor's
// read-path restoration: a peer whose copy of a block was missing or
// diverged from the
// cohort's majority view is healed by writing the agreed-upon block,
// not by replaying the action that produced it (that history may no
// longer be locally available, which is exactly why restoration reads
// from peers instead).
func (r *Repo) RestoreBlock(ctx context.Context, b *block.Block) error {
	return r.storage.Put(ctx, b)
}

// Pending returns the currently-staged (not yet committed or
// canceled) ActionTransforms for collectionID.
func (r *Repo) Pending(collectionID block.ID) []block.ActionTransforms {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.state[collectionID]
	if !ok {
		return nil
	}
	out := make([]block.ActionTransforms, 0, len(cs.pending))
	for _, at := range cs.pending {
		out = append(out, at)
	}
	return out
}

// LatestRev returns the highest committed revision recorded for
// collectionID, or 0 if nothing has committed yet.
func (r *Repo) LatestRev(collectionID block.ID) block.Rev {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cs, ok := r.state[collectionID]; ok {
		return cs.latestRev
	}
	return 0
}

// collectionLocked must be called with r.mu held for writing: it
// creates the collection's state on first touch.
func (r *Repo) collectionLocked(collectionID block.ID) *collectionState {
	cs, ok := r.state[collectionID]
	if !ok {
		cs = newCollectionState()
		r.state[collectionID] = cs
	}
	return cs
}

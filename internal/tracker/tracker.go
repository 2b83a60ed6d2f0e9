package tracker

import (
	"fmt"
	"sync"

	"github.com/gotchoices/optimystic/internal/block"
)

// Source is the read-only view a Tracker stages writes on top of:
// typically a Repo's materialized-block view at some ActionContext, or
// another Tracker when trackers are nested. Implementations must not
// block the caller's goroutine indefinitely. repo.CollectionSource is
// the local implementation; transactor.NetworkSource reads through the
// cohort.
type Source interface {
	// TryGet returns the block if known, or ok=false if the source has
	// no opinion about the id (distinct from "deleted", which the
	// Tracker itself tracks).
	TryGet(id block.ID) (b *block.Block, ok bool)
}

// Apply decodes and applies a single Op against a block, returning the
// resulting block. Collections supply this so the Tracker can maintain
// an accurate in-memory view of freshly inserted blocks without the
// Tracker itself needing to understand payload semantics.
type Apply func(b *block.Block, op block.Op) (*block.Block, error)

// Tracker stages block mutations for a single in-progress action. It is
// not safe to share a Tracker across actions; create a new one (or
// Reset the existing one) per action.
type Tracker struct {
	mu         sync.Mutex
	source     Source
	apply      Apply
	transforms block.Transforms
	// inserted mirrors transforms.Inserts but evolves in place as
	// Update calls land on a freshly inserted block, so TryGet can
	// return the up-to-date in-memory copy without re-deriving it from
	// the Op log on every read.
	inserted map[block.ID]*block.Block
}

// New creates a Tracker staging writes on top of source. apply may be
// nil if the caller never calls Update on a freshly inserted block in
// the same action (Update on an already-committed block never needs
// apply, since it just appends to the update op list).
func New(source Source, apply Apply) *Tracker {
	return &Tracker{
		source:     source,
		apply:      apply,
		transforms: block.NewTransforms(),
		inserted:   make(map[block.ID]*block.Block),
	}
}

// TryGet overlays the staged inserts/updates/deletes on top of the
// source: a deleted id is reported absent even if the source still has
// it; a freshly inserted id returns the up-to-date in-memory copy
// (including any Updates applied to it since); anything else falls
// through to source.
func (t *Tracker) TryGet(id block.ID) (*block.Block, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tryGetLocked(id)
}

func (t *Tracker) tryGetLocked(id block.ID) (*block.Block, bool) {
	for _, d := range t.transforms.Deletes {
		if d == id {
			return nil, false
		}
	}
	if b, ok := t.inserted[id]; ok {
		return b.Clone(), true
	}
	if ops, ok := t.transforms.Updates[id]; ok && len(ops) > 0 && t.apply != nil {
		// Updates staged against a block the source still owns: overlay
		// them on the source's copy so later writes in the same action
		// observe their own earlier ops.
		if b, ok := t.source.TryGet(id); ok {
			cur := b.Clone()
			for _, op := range ops {
				next, err := t.apply(cur, op)
				if err != nil {
					return nil, false
				}
				cur = next
			}
			return cur, true
		}
		return nil, false
	}
	if b, ok := t.source.TryGet(id); ok {
		return b.Clone(), true
	}
	return nil, false
}

// Insert records b as a new block in this action's Transforms,
// clearing any prior Delete recorded for the same id (an action may
// delete then re-insert the same id; the final state wins).
func (t *Tracker) Insert(b *block.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := b.Clone()
	t.transforms.Inserts[cp.ID] = cp
	t.inserted[cp.ID] = cp
	t.removeDeleteLocked(cp.ID)
}

// Update stages op against id. If id was inserted earlier in this same
// action, the op is applied to the in-memory copy directly (via Apply)
// and never recorded in Transforms.Updates: the finalized insert
// already carries the op's effect, and recording both would break the
// insert-xor-update disjointness invariant. Otherwise op is appended
// to Transforms.Updates for the coordinator to apply downstream.
func (t *Tracker) Update(id block.ID, op block.Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.inserted[id]; ok {
		if t.apply == nil {
			return fmt.Errorf("tracker: update of freshly inserted %s requires an Apply function", id)
		}
		updated, err := t.apply(b, op)
		if err != nil {
			return err
		}
		t.inserted[id] = updated
		t.transforms.Inserts[id] = updated
		return nil
	}

	t.transforms.Updates[id] = append(t.transforms.Updates[id], op)
	return nil
}

// Delete records id as deleted in this action's Transforms, removing
// any prior insert/update entries for it (deletion wins over a same-
// action insert/update, matching the disjointness invariant).
func (t *Tracker) Delete(id block.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.transforms.Inserts, id)
	delete(t.transforms.Updates, id)
	delete(t.inserted, id)
	t.removeDeleteLocked(id)
	t.transforms.Deletes = append(t.transforms.Deletes, id)
}

func (t *Tracker) removeDeleteLocked(id block.ID) {
	for i, d := range t.transforms.Deletes {
		if d == id {
			t.transforms.Deletes = append(t.transforms.Deletes[:i], t.transforms.Deletes[i+1:]...)
			return
		}
	}
}

// Reset swaps in a fresh (or caller-provided) Transforms value and
// returns the one that was active, for the caller to submit as a
// commit. Passing nil starts a new empty Transforms.
func (t *Tracker) Reset(next *block.Transforms) block.Transforms {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.transforms
	if next != nil {
		t.transforms = *next
	} else {
		t.transforms = block.NewTransforms()
	}
	t.inserted = make(map[block.ID]*block.Block)
	for id, b := range t.transforms.Inserts {
		t.inserted[id] = b
	}
	return old
}

// Pending returns a snapshot of the currently staged Transforms without
// resetting them, useful for inspection/logging.
func (t *Tracker) Pending() block.Transforms {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transforms
}

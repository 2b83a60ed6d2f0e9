package collection

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
)

// StagingMutator is the mutator surface a Syncer harvests: the chain's
// read/write overlay plus Reset, which swaps out the staged Transforms
// accumulated by Act/Update calls so they can be published as one
// action. A *tracker.Tracker satisfies this.
type StagingMutator interface {
	chainlog.Mutator
	Reset(next *block.Transforms) block.Transforms
}

// Publisher is the transactor surface a Syncer publishes through;
// satisfied by *transactor.Transactor.
type Publisher interface {
	Pend(ctx context.Context, collectionID block.ID, at block.ActionTransforms, policy block.Policy) error
	Commit(ctx context.Context, collectionID block.ID, actionID block.ActionID, blockIDs []block.ID, headerID *block.ID, tailID block.ID, rev block.Rev) error
}

// Syncer publishes a Collection's locally-appended actions to its
// cohort: everything staged in the collection's mutator since the last
// Sync is pended with every touched block's coordinator and committed
// through cluster consensus as a single action, with the log header
// named as the commit's anchor and the log tail as its linearization
// point, visited in that order by the commit round.
//
// Sync holds the collection's latch for its whole duration, so Act and
// Update calls issued concurrently block until the publish settles and
// land in the next Sync's batch. A failed Sync re-stages exactly what
// it harvested and surfaces the error; retrying is safe, since the
// retry publishes under a fresh action id and the transactor's own
// failure path cancels the previous attempt's partial staging.
type Syncer struct {
	mu        sync.Mutex
	col       *Collection
	mutator   StagingMutator
	publisher Publisher
	published block.Rev
}

// NewSyncer wires col's staged mutations to publisher. published seeds
// the cohort-side revision counter: 0 for a collection the cohort has
// never seen, or the last revision a previous Syncer committed when
// resuming.
func NewSyncer(col *Collection, mutator StagingMutator, publisher Publisher, published block.Rev) *Syncer {
	return &Syncer{col: col, mutator: mutator, publisher: publisher, published: published}
}

// Published returns the last cohort-side revision this Syncer
// successfully committed.
func (s *Syncer) Published() block.Rev {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Sync publishes everything currently staged as one pend+commit. A
// no-op if nothing is staged.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col.mu.Lock()
	defer s.col.mu.Unlock()

	staged := s.mutator.Reset(nil)
	if len(staged.Inserts) == 0 && len(staged.Updates) == 0 && len(staged.Deletes) == 0 {
		return nil
	}

	rev := s.published + 1
	at := block.ActionTransforms{
		ActionID:   block.ActionID(uuid.NewString()),
		Rev:        &rev,
		Transforms: staged,
	}
	collectionID := s.col.log.CollectionID()
	headerID := collectionID
	tailID := s.col.log.TailID()

	if err := s.publisher.Pend(ctx, collectionID, at, block.PolicyFail); err != nil {
		s.mutator.Reset(&staged)
		return fmt.Errorf("collection: sync %s: pend: %w", at.ActionID, err)
	}
	if err := s.publisher.Commit(ctx, collectionID, at.ActionID, staged.BlockIDs(), &headerID, tailID, rev); err != nil {
		s.mutator.Reset(&staged)
		return fmt.Errorf("collection: sync %s: commit: %w", at.ActionID, err)
	}
	s.published = rev
	return nil
}

package collection

import (
	"fmt"
	"sync"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
)

// Apply folds one action entry into the current state, returning the
// new state. It must be a pure function of (state, entry): Collection
// may replay the same entry more than once (e.g. on CreateOrOpen) and
// expects the same result each time.
type Apply func(state any, entry chainlog.ActionEntry) (any, error)

// Propose computes the action a caller wants appended, given the
// state as of the most recent Sync. getBlockIds is handed to
// chainlog.Log.AddActions verbatim (see its doc for why it is a
// callback). readSet is the set of block ids the proposal's decision
// depended on; Update uses it to detect whether anything it read was
// touched by an action that landed concurrently.
type Propose func(state any) (payload []byte, getBlockIds func(path block.ID) []block.ID, readSet []block.ID, err error)

// ConflictError reports that a proposed action read a block touched by
// an action that committed to the log after the proposal's state
// snapshot was taken.
type ConflictError struct {
	ActionID    block.ActionID
	ConflictsOn block.ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collection: concurrently committed action %s touched block %s in this action's read set", e.ActionID, e.ConflictsOn)
}

// Collection is a replayable state machine backed by a chainlog.Log.
type Collection struct {
	mu    sync.Mutex
	log   *chainlog.Log
	apply Apply
	state any
	rev   block.Rev
}

// CreateOrOpen opens collectionID (or creates a new collection, if
// collectionID is nil), replaying every existing log entry through
// apply starting from initial to build the current state.
func CreateOrOpen(mutator chainlog.Mutator, collectionID *block.ID, initial any, apply Apply) (*Collection, error) {
	var log *chainlog.Log
	var err error
	if collectionID == nil {
		log, err = chainlog.CreateLog(mutator)
	} else {
		log, err = chainlog.OpenLog(mutator, *collectionID)
	}
	if err != nil {
		return nil, err
	}
	c := &Collection{log: log, apply: apply, state: initial}
	if err := c.syncLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// CollectionID returns the id identifying this collection (its log's
// header block id).
func (c *Collection) CollectionID() block.ID { return c.log.CollectionID() }

// LogTailID returns the id of the log's current tail block, the
// linearization point a Syncer names when committing this collection's
// mutations across a cohort.
func (c *Collection) LogTailID() block.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.TailID()
}

// Checkpoint appends a checkpoint entry restating the log's current
// committed frontier at the collection's current rev, so readers that
// trust it may prune earlier entries. The owner decides when: a useful
// checkpoint presumes the pre-checkpoint state has been snapshotted
// somewhere, since replaying the log from scratch afterwards only
// yields the post-checkpoint delta.
func (c *Collection) Checkpoint(timestamp int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, err := c.log.GetActionContext()
	if err != nil {
		return err
	}
	_, err = c.log.AddCheckpoint(ctx.Committed, c.rev, timestamp)
	return err
}

// State returns the current, fully-replayed state. The caller must
// treat the returned value as read-only; Collection does not clone it.
func (c *Collection) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rev returns the highest rev folded into the current state.
func (c *Collection) Rev() block.Rev {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rev
}

// Sync pulls and applies every log entry beyond the last-known rev.
func (c *Collection) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked()
}

func (c *Collection) syncLocked() error {
	_, err := c.applyFromLocked()
	return err
}

// applyFromLocked folds every entry beyond c.rev into c.state and
// returns the entries it applied, for callers (Update) that also need
// to know what landed.
func (c *Collection) applyFromLocked() ([]chainlog.LogEntry, error) {
	_, entries, err := c.log.GetFrom(c.rev)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		next, err := c.apply(c.state, *e.Action)
		if err != nil {
			return nil, fmt.Errorf("collection: apply action %s: %w", e.Action.ActionID, err)
		}
		c.state = next
		c.rev = e.Rev
	}
	return entries, nil
}

// Act appends a new action built from the current state, without
// first syncing. Callers that know their cached state is current
// (e.g. the only writer) can use this to skip a redundant log scan;
// anyone sharing a log with other writers should use Update or
// UpdateAndSync instead.
func (c *Collection) Act(actionID block.ActionID, timestamp int64, propose Propose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actLocked(actionID, timestamp, propose)
}

func (c *Collection) actLocked(actionID block.ActionID, timestamp int64, propose Propose) error {
	payload, getBlockIds, _, err := propose(c.state)
	if err != nil {
		return err
	}
	nextRev := c.rev + 1
	if _, err := c.log.AddActions(payload, actionID, nextRev, getBlockIds, nil, timestamp); err != nil {
		return err
	}
	next, err := c.apply(c.state, chainlog.ActionEntry{ActionID: actionID, Actions: payload})
	if err != nil {
		return fmt.Errorf("collection: apply own action %s: %w", actionID, err)
	}
	c.state = next
	c.rev = nextRev
	return nil
}

// Update syncs, lets propose reconsider against the refreshed state,
// checks the proposal's readSet against whatever landed during that
// sync, and appends the action if nothing conflicts.
func (c *Collection) Update(actionID block.ActionID, timestamp int64, propose Propose) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.applyFromLocked()
	if err != nil {
		return err
	}

	payload, getBlockIds, readSet, err := propose(c.state)
	if err != nil {
		return err
	}
	if err := filterConflict(entries, readSet); err != nil {
		return err
	}

	nextRev := c.rev + 1
	if _, err := c.log.AddActions(payload, actionID, nextRev, getBlockIds, nil, timestamp); err != nil {
		return err
	}
	next, err := c.apply(c.state, chainlog.ActionEntry{ActionID: actionID, Actions: payload})
	if err != nil {
		return fmt.Errorf("collection: apply own action %s: %w", actionID, err)
	}
	c.state = next
	c.rev = nextRev
	return nil
}

// UpdateAndSync is Update, spelled out for callers that want to be
// explicit that a sync happens as part of the same latched operation
// (Update always syncs first; the two names distinguish a writer that
// trusts its cached state from one that doesn't).
func (c *Collection) UpdateAndSync(actionID block.ActionID, timestamp int64, propose Propose) error {
	return c.Update(actionID, timestamp, propose)
}

// SelectLog returns every action entry committed after startRev, along
// with the log's current ActionContext, for callers that need to
// replicate or inspect raw history rather than folded state.
func (c *Collection) SelectLog(startRev block.Rev) (block.ActionContext, []chainlog.LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.GetFrom(startRev)
}

// filterConflict reports a ConflictError if any concurrently-landed
// action entry touched a block id in readSet.
func filterConflict(concurrent []chainlog.LogEntry, readSet []block.ID) error {
	if len(readSet) == 0 {
		return nil
	}
	read := make(map[block.ID]struct{}, len(readSet))
	for _, id := range readSet {
		read[id] = struct{}{}
	}
	for _, e := range concurrent {
		if !e.IsAction() {
			continue
		}
		for _, id := range e.Action.BlockIDs {
			if _, touched := read[id]; touched {
				return &ConflictError{ActionID: e.Action.ActionID, ConflictsOn: id}
			}
		}
	}
	return nil
}

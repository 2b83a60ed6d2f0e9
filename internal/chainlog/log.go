package chainlog

import (
	"fmt"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/canon"
)

// ActionEntry is a committed mutation recorded in the log: the
// client-chosen ActionID, the caller's opaque encoded action payload,
// and the full set of block ids the action touched, including the
// log block the entry itself lives in (blockIds is only finalized
// once that allocation exists).
type ActionEntry struct {
	ActionID      block.ActionID
	Actions       []byte
	BlockIDs      []block.ID
	CollectionIDs []block.ID
}

// CheckpointEntry restates the still-pending action set as of the time
// it was written, so log entries before it may be pruned by readers
// that trust the checkpoint.
type CheckpointEntry struct {
	Pendings []block.ActionRev
}

// LogEntry is either an ActionEntry or a CheckpointEntry, never both;
// Timestamp and Rev are always populated.
type LogEntry struct {
	Timestamp  uint64
	Rev        block.Rev
	Action     *ActionEntry     `rlp:"nil"`
	Checkpoint *CheckpointEntry `rlp:"nil"`
}

// IsAction reports whether this entry is an ActionEntry.
func (e LogEntry) IsAction() bool { return e.Action != nil }

// IsCheckpoint reports whether this entry is a CheckpointEntry.
func (e LogEntry) IsCheckpoint() bool { return e.Checkpoint != nil }

// Log is a typed Chain of LogEntry values.
type Log struct {
	chain *Chain
}

// CreateLog allocates a new, empty log (and its backing chain header).
func CreateLog(mutator Mutator) (*Log, error) {
	c, err := Create(mutator)
	if err != nil {
		return nil, err
	}
	return &Log{chain: c}, nil
}

// OpenLog resolves an existing log by its collection id.
func OpenLog(mutator Mutator, collectionID block.ID) (*Log, error) {
	c, err := Open(mutator, collectionID)
	if err != nil {
		return nil, err
	}
	return &Log{chain: c}, nil
}

// CollectionID returns the log's anchoring collection id.
func (l *Log) CollectionID() block.ID { return l.chain.HeaderID() }

// TailID returns the current tail node's block id (the header's own id
// while the log is still empty). The tail block is a transaction's
// linearization point when the log's mutations are published through
// the transactor.
func (l *Log) TailID() block.ID { return l.chain.TailID() }

// AddActions appends an action entry. getBlockIds is invoked only once
// the log block the entry will live in has been allocated, and is
// handed that path so it can include it (along with whatever data
// blocks the action's Transforms touched) in the finalized blockIds —
// this is the allocate-then-finalize builder Chain.Add provides.
func (l *Log) AddActions(actionsEncoded []byte, actionID block.ActionID, rev block.Rev, getBlockIds func(path block.ID) []block.ID, collectionIDs []block.ID, timestamp int64) (block.ID, error) {
	return l.chain.Add(func(path block.ID) ([]byte, error) {
		entry := LogEntry{
			Timestamp: uint64(timestamp),
			Rev:       rev,
			Action: &ActionEntry{
				ActionID:      actionID,
				Actions:       actionsEncoded,
				BlockIDs:      getBlockIds(path),
				CollectionIDs: collectionIDs,
			},
		}
		if len(entry.Action.BlockIDs) == 0 {
			return nil, fmt.Errorf("chainlog: action entry %s finalized with empty blockIds", actionID)
		}
		return canon.Encode(entry)
	})
}

// AddCheckpoint appends a checkpoint entry restating pendings.
func (l *Log) AddCheckpoint(pendings []block.ActionRev, rev block.Rev, timestamp int64) (block.ID, error) {
	return l.chain.Add(func(block.ID) ([]byte, error) {
		entry := LogEntry{
			Timestamp:  uint64(timestamp),
			Rev:        rev,
			Checkpoint: &CheckpointEntry{Pendings: pendings},
		}
		return canon.Encode(entry)
	})
}

// entriesBackward walks the chain from the tail toward the header,
// decoding every entry it encounters, stopping once a checkpoint is
// found (inclusive) or the header is reached.
func (l *Log) entriesBackward() ([]LogEntry, error) {
	ids, err := l.chain.Select(nil, false)
	if err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := l.chain.EntriesAt(id)
		if err != nil {
			return nil, err
		}
		for _, enc := range raw {
			var e LogEntry
			if err := canon.DecodeInto(enc, &e); err != nil {
				return nil, fmt.Errorf("chainlog: decode entry at %s: %w", id, err)
			}
			entries = append(entries, e)
		}
		if len(raw) > 0 && entries[len(entries)-1].IsCheckpoint() {
			break
		}
	}
	return entries, nil
}

// GetActionContext returns the log's current frontier: the pendings
// recorded at the last checkpoint, unioned with every action entry
// seen since, and the checkpoint's rev (0 if the log has no checkpoint
// yet).
func (l *Log) GetActionContext() (block.ActionContext, error) {
	entries, err := l.entriesBackward()
	if err != nil {
		return block.ActionContext{}, err
	}

	var ctx block.ActionContext
	for _, e := range entries {
		if e.IsCheckpoint() {
			ctx.Rev = e.Rev
			ctx.Committed = append(append([]block.ActionRev(nil), e.Checkpoint.Pendings...), ctx.Committed...)
			continue
		}
		ctx.Committed = append(ctx.Committed, block.ActionRev{ActionID: e.Action.ActionID, Rev: e.Rev})
	}
	return ctx, nil
}

// GetFrom scans backward from the tail, collecting every action entry
// with Rev > startRev (Rev still attached, so callers can track their
// own high-water mark) and the log's current ActionContext, returned
// in ascending (append) order.
func (l *Log) GetFrom(startRev block.Rev) (block.ActionContext, []LogEntry, error) {
	entries, err := l.entriesBackward()
	if err != nil {
		return block.ActionContext{}, nil, err
	}

	var ctx block.ActionContext
	var recent []LogEntry
	for _, e := range entries {
		if e.IsCheckpoint() {
			ctx.Rev = e.Rev
			ctx.Committed = append(append([]block.ActionRev(nil), e.Checkpoint.Pendings...), ctx.Committed...)
			continue
		}
		ctx.Committed = append(ctx.Committed, block.ActionRev{ActionID: e.Action.ActionID, Rev: e.Rev})
		if e.Rev > startRev {
			recent = append(recent, e)
		}
	}

	// entries were collected tail-to-head; reverse for ascending order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return ctx, recent, nil
}

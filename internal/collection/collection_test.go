package collection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
)

// counterMutator is a package-local in-memory chainlog.Mutator, mirroring
// the one in chainlog's own tests but kept independent per package.
type counterMutator struct {
	blocks map[block.ID]*block.Block
}

func newCounterMutator() *counterMutator {
	return &counterMutator{blocks: make(map[block.ID]*block.Block)}
}

func (m *counterMutator) TryGet(id block.ID) (*block.Block, bool) {
	b, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

func (m *counterMutator) Insert(b *block.Block) { m.blocks[b.ID] = b.Clone() }

func (m *counterMutator) Update(id block.ID, op block.Op) error {
	b, ok := m.blocks[id]
	if !ok {
		return chainlog.ErrNotFound
	}
	updated, err := chainlog.ApplyOp(b, op)
	if err != nil {
		return err
	}
	m.blocks[id] = updated
	return nil
}

// counterApply interprets every action payload as "+N" and folds it
// into an int counter state.
func counterApply(state any, entry chainlog.ActionEntry) (any, error) {
	n := state.(int)
	var delta int
	if _, err := fmt.Sscanf(string(entry.Actions), "+%d", &delta); err != nil {
		return nil, err
	}
	return n + delta, nil
}

func addN(n int) Propose {
	return func(any) ([]byte, func(block.ID) []block.ID, []block.ID, error) {
		return []byte(fmt.Sprintf("+%d", n)), func(path block.ID) []block.ID { return []block.ID{path} }, nil, nil
	}
}

func TestCollectionActAccumulatesState(t *testing.T) {
	m := newCounterMutator()
	c, err := CreateOrOpen(m, nil, 0, counterApply)
	require.NoError(t, err)

	require.NoError(t, c.Act("a1", 1000, addN(5)))
	require.NoError(t, c.Act("a2", 1000, addN(3)))

	require.Equal(t, 8, c.State().(int))
	require.EqualValues(t, 2, c.Rev())
}

func TestCollectionReopenReplaysHistory(t *testing.T) {
	m := newCounterMutator()
	c, err := CreateOrOpen(m, nil, 0, counterApply)
	require.NoError(t, err)
	require.NoError(t, c.Act("a1", 1000, addN(5)))
	id := c.CollectionID()

	reopened, err := CreateOrOpen(m, &id, 0, counterApply)
	require.NoError(t, err)
	require.Equal(t, 5, reopened.State().(int))
}

func TestCollectionCheckpointRestatesFrontier(t *testing.T) {
	m := newCounterMutator()
	c, err := CreateOrOpen(m, nil, 0, counterApply)
	require.NoError(t, err)
	require.NoError(t, c.Act("a1", 1000, addN(1)))
	require.NoError(t, c.Act("a2", 1001, addN(2)))

	require.NoError(t, c.Checkpoint(2000))

	ctx, entries, err := c.SelectLog(0)
	require.NoError(t, err)
	require.Empty(t, entries, "expected pre-checkpoint entries to be pruned from the scan")
	require.EqualValues(t, 2, ctx.Rev, "expected the checkpoint to pin the frontier's rev")
	require.Len(t, ctx.Committed, 2, "expected both actions restated by the checkpoint")

	require.NoError(t, c.Act("a3", 1002, addN(3)))
	ctx2, entries2, err := c.SelectLog(0)
	require.NoError(t, err)
	require.Len(t, entries2, 1, "expected only the post-checkpoint action in the scan")
	require.Equal(t, block.ActionID("a3"), entries2[0].Action.ActionID)
	require.Len(t, ctx2.Committed, 3)
}

func TestCollectionUpdateDetectsConflict(t *testing.T) {
	m := newCounterMutator()
	c, err := CreateOrOpen(m, nil, 0, counterApply)
	require.NoError(t, err)

	// Simulate a concurrently-landed action by appending directly
	// through Act (same writer, but it stands in for "another peer's
	// commit" from Update's point of view once we force a stale rev).
	require.NoError(t, c.Act("concurrent", 1000, addN(1)))

	// Roll the cached rev back to simulate a proposal computed before
	// the concurrent action landed, so Update's post-sync conflict
	// check has something to find.
	c.rev = 0

	readSetPropose := func(any) ([]byte, func(block.ID) []block.ID, []block.ID, error) {
		_, entries, err := c.log.GetFrom(0)
		require.NoError(t, err)
		require.NotEmpty(t, entries, "expected to find the concurrent entry")
		touched := entries[0].Action.BlockIDs
		return []byte("+1"), func(path block.ID) []block.ID { return []block.ID{path} }, touched, nil
	}

	err = c.Update("should-conflict", 1000, readSetPropose)
	require.Error(t, err, "expected ConflictError")
	require.IsType(t, &ConflictError{}, err)
}

package chainlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
)

func TestLogAddActionsSeesAllocatedPath(t *testing.T) {
	m := newMemMutator()
	l, err := CreateLog(m)
	require.NoError(t, err)

	var sawPath block.ID
	_, err = l.AddActions([]byte("payload-1"), "action-1", 1, func(path block.ID) []block.ID {
		sawPath = path
		return []block.ID{path, "data-block-1"}
	}, nil, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, sawPath, "expected getBlockIds callback to be invoked with a non-empty path")
}

func TestLogAddActionsRejectsEmptyBlockIDs(t *testing.T) {
	m := newMemMutator()
	l, err := CreateLog(m)
	require.NoError(t, err)
	_, err = l.AddActions([]byte("p"), "action-1", 1, func(block.ID) []block.ID { return nil }, nil, 1000)
	require.Error(t, err, "expected error for empty blockIds")
}

func TestLogActionContextAccumulatesSinceCheckpoint(t *testing.T) {
	m := newMemMutator()
	l, err := CreateLog(m)
	require.NoError(t, err)

	mustAdd := func(actionID block.ActionID, rev block.Rev) {
		_, err := l.AddActions([]byte("p"), actionID, rev, func(path block.ID) []block.ID {
			return []block.ID{path}
		}, nil, 1000)
		require.NoErrorf(t, err, "AddActions %s", actionID)
	}

	mustAdd("a1", 1)
	mustAdd("a2", 2)

	ctx, err := l.GetActionContext()
	require.NoError(t, err)
	require.EqualValues(t, 0, ctx.Rev, "expected rev 0 with no checkpoint yet")
	require.Len(t, ctx.Committed, 2)

	_, err = l.AddCheckpoint(ctx.Committed, 2, 2000)
	require.NoError(t, err)

	mustAdd("a3", 3)

	ctx2, err := l.GetActionContext()
	require.NoError(t, err)
	require.EqualValues(t, 2, ctx2.Rev, "expected rev 2 from checkpoint")
	require.Len(t, ctx2.Committed, 3, "expected 2 checkpointed + 1 new")
}

func TestLogGetFromReturnsAscendingDelta(t *testing.T) {
	m := newMemMutator()
	l, err := CreateLog(m)
	require.NoError(t, err)

	for i, id := range []block.ActionID{"a1", "a2", "a3"} {
		rev := block.Rev(i + 1)
		_, err := l.AddActions([]byte("p"), id, rev, func(path block.ID) []block.ID {
			return []block.ID{path}
		}, nil, 1000)
		require.NoErrorf(t, err, "AddActions %s", id)
	}

	_, entries, err := l.GetFrom(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, block.ActionID("a2"), entries[0].Action.ActionID)
	require.Equal(t, block.ActionID("a3"), entries[1].Action.ActionID)
}

package chainlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
)

// memMutator is a minimal in-memory Mutator for tests, independent of
// the tracker package to keep this test package-local.
type memMutator struct {
	blocks map[block.ID]*block.Block
}

func newMemMutator() *memMutator {
	return &memMutator{blocks: make(map[block.ID]*block.Block)}
}

func (m *memMutator) TryGet(id block.ID) (*block.Block, bool) {
	b, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

func (m *memMutator) Insert(b *block.Block) {
	m.blocks[b.ID] = b.Clone()
}

func (m *memMutator) Update(id block.ID, op block.Op) error {
	b, ok := m.blocks[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := ApplyOp(b, op)
	if err != nil {
		return err
	}
	m.blocks[id] = updated
	return nil
}

func TestChainCreateIsEmpty(t *testing.T) {
	m := newMemMutator()
	c, err := Create(m)
	require.NoError(t, err)

	entries, err := c.GetTail()
	require.NoError(t, err)
	require.Empty(t, entries)

	ids, err := c.Select(nil, true)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestChainAddAndSelect(t *testing.T) {
	m := newMemMutator()
	c, err := Create(m)
	require.NoError(t, err)

	var firstPath block.ID
	path1, err := c.Add(func(path block.ID) ([]byte, error) {
		firstPath = path
		return []byte("entry-1"), nil
	})
	require.NoError(t, err)
	require.Equal(t, firstPath, path1, "expected callback to see the allocated path")

	path2, err := c.Add(func(path block.ID) ([]byte, error) {
		return []byte("entry-2"), nil
	})
	require.NoError(t, err)
	require.Equal(t, path2, c.TailID())

	forward, err := c.Select(nil, true)
	require.NoError(t, err)
	require.Equal(t, []block.ID{path1, path2}, forward)

	backward, err := c.Select(nil, false)
	require.NoError(t, err)
	require.Equal(t, []block.ID{path2, path1}, backward)

	tailEntries, err := c.GetTail()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("entry-2")}, tailEntries)
}

func TestChainOpenResumesAtStoredTail(t *testing.T) {
	m := newMemMutator()
	c, err := Create(m)
	require.NoError(t, err)
	header := c.HeaderID()
	path, err := c.Add(func(block.ID) ([]byte, error) { return []byte("e1"), nil })
	require.NoError(t, err)

	reopened, err := Open(m, header)
	require.NoError(t, err)
	require.Equal(t, path, reopened.TailID())
}

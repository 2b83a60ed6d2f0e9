package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
)

type fakeSource struct {
	blocks map[block.ID]*block.Block
}

func (f *fakeSource) TryGet(id block.ID) (*block.Block, bool) {
	b, ok := f.blocks[id]
	return b, ok
}

func appendPayload(b *block.Block, op block.Op) (*block.Block, error) {
	cp := b.Clone()
	cp.Payload = append(cp.Payload, op.Data...)
	return cp, nil
}

func TestTrackerInsertThenGet(t *testing.T) {
	tr := New(&fakeSource{blocks: map[block.ID]*block.Block{}}, appendPayload)

	blk := &block.Block{ID: "b1", Type: block.TypeData, Payload: []byte("hi")}
	tr.Insert(blk)

	got, ok := tr.TryGet("b1")
	require.True(t, ok, "expected inserted block to be visible")
	require.Equal(t, "hi", string(got.Payload))

	// Mutating the returned copy must not affect the tracker's view.
	got.Payload = []byte("tampered")
	got2, _ := tr.TryGet("b1")
	require.Equal(t, "hi", string(got2.Payload), "tracker must not leak internal state")
}

func TestTrackerDeleteHidesBlock(t *testing.T) {
	src := &fakeSource{blocks: map[block.ID]*block.Block{"b1": {ID: "b1"}}}
	tr := New(src, appendPayload)

	_, ok := tr.TryGet("b1")
	require.True(t, ok, "expected source block visible before delete")

	tr.Delete("b1")
	_, ok = tr.TryGet("b1")
	require.False(t, ok, "expected deleted block to be hidden")
}

func TestTrackerUpdateOnFreshInsertAppliesImmediately(t *testing.T) {
	tr := New(&fakeSource{blocks: map[block.ID]*block.Block{}}, appendPayload)

	tr.Insert(&block.Block{ID: "b1", Payload: []byte("a")})
	require.NoError(t, tr.Update("b1", block.Op{Kind: "append", Data: []byte("b")}))

	got, _ := tr.TryGet("b1")
	require.Equal(t, "ab", string(got.Payload))
}

func TestTrackerResetReturnsPriorTransforms(t *testing.T) {
	tr := New(&fakeSource{blocks: map[block.ID]*block.Block{}}, appendPayload)
	tr.Insert(&block.Block{ID: "b1"})

	old := tr.Reset(nil)
	require.Len(t, old.Inserts, 1, "expected reset to return the one staged insert")

	_, ok := tr.TryGet("b1")
	require.False(t, ok, "expected tracker to start fresh after reset")
}

func TestTrackerInsertAfterDeleteClearsDelete(t *testing.T) {
	tr := New(&fakeSource{blocks: map[block.ID]*block.Block{}}, appendPayload)
	tr.Delete("b1")
	tr.Insert(&block.Block{ID: "b1", Payload: []byte("x")})

	pending := tr.Pending()
	require.NotContains(t, pending.Deletes, block.ID("b1"), "expected delete to be cleared by subsequent insert")
	_, ok := pending.Inserts["b1"]
	require.True(t, ok, "expected insert recorded")
}

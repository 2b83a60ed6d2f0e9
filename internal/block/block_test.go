package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDDeterministic(t *testing.T) {
	a, err := NewID([]byte("hello"))
	require.NoError(t, err)
	b, err := NewID([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, a, b, "expected same content to hash to same id")

	c, err := NewID([]byte("world"))
	require.NoError(t, err)
	require.NotEqual(t, a, c, "expected different content to hash to different ids")
}

func TestTransformsForBlock(t *testing.T) {
	tr := NewTransforms()
	blk := &Block{ID: "b1", Type: TypeData}
	tr.Inserts["b1"] = blk
	tr.Updates["b2"] = []Op{{Kind: "set", Data: []byte("v")}}
	tr.Deletes = append(tr.Deletes, "b3")

	t.Run("insert", func(t *testing.T) {
		got := tr.ForBlock("b1")
		require.Same(t, blk, got.Insert, "expected insert to be projected")
		require.False(t, got.Delete)
		require.Empty(t, got.Updates)
	})

	t.Run("update", func(t *testing.T) {
		got := tr.ForBlock("b2")
		require.Len(t, got.Updates, 1)
		require.Equal(t, "set", got.Updates[0].Kind)
	})

	t.Run("delete", func(t *testing.T) {
		got := tr.ForBlock("b3")
		require.True(t, got.Delete, "expected delete to be projected")
	})

	t.Run("untouched", func(t *testing.T) {
		got := tr.ForBlock("nope")
		require.True(t, got.IsEmpty(), "expected empty transform for untouched block")
	})
}

func TestConcatEnforcesDisjointness(t *testing.T) {
	acc := NewTransforms()
	acc, err := Concat(acc, "b1", Transform{Insert: &Block{ID: "b1"}})
	require.NoError(t, err)

	_, err = Concat(acc, "b1", Transform{Delete: true})
	require.Error(t, err, "expected error mixing insert and delete on same block")

	_, err = Concat(acc, "b1", Transform{Updates: []Op{{Kind: "x"}}})
	require.Error(t, err, "expected error mixing insert and update on same block")
}

func TestBlockIDs(t *testing.T) {
	tr := NewTransforms()
	tr.Inserts["a"] = &Block{ID: "a"}
	tr.Updates["b"] = []Op{{Kind: "x"}}
	tr.Deletes = []ID{"c"}

	ids := tr.BlockIDs()
	require.Len(t, ids, 3)
}

func TestDistinctByAction(t *testing.T) {
	rev := Rev(5)
	in := []ActionTransforms{
		{ActionID: "a1", Transforms: Transforms{Inserts: map[ID]*Block{"b1": {ID: "b1"}}}},
		{ActionID: "a1", Rev: &rev, Transforms: Transforms{Updates: map[ID][]Op{"b2": {{Kind: "x"}}}}},
		{ActionID: "a2", Transforms: Transforms{Deletes: []ID{"b3"}}},
	}

	out, err := DistinctByAction(in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, ActionID("a1"), out[0].ActionID)
	require.NotNil(t, out[0].Rev)
	require.EqualValues(t, 5, *out[0].Rev)
	require.Len(t, out[0].Transforms.Inserts, 1)
	require.Len(t, out[0].Transforms.Updates, 1)
}

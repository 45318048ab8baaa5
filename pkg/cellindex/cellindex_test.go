package cellindex

import (
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/stretchr/testify/require"
)

func TestIndex_Root_EmptyIsDeterministic(t *testing.T) {
	idx1 := New()
	idx2 := New()
	require.Equal(t, idx1.Root(), idx2.Root())
}

func TestIndex_Root_OrderIndependentOfInsertionOrder(t *testing.T) {
	h1 := canonical.HashBytes([]byte("a"))
	h2 := canonical.HashBytes([]byte("b"))

	idx1 := New()
	idx1.Set("alpha", h1)
	idx1.Set("beta", h2)

	idx2 := New()
	idx2.Set("beta", h2)
	idx2.Set("alpha", h1)

	require.Equal(t, idx1.Root(), idx2.Root())
}

func TestIndex_Root_ChangesWithState(t *testing.T) {
	idx := New()
	idx.Set("alpha", canonical.HashBytes([]byte("a")))
	root1 := idx.Root()

	idx.Set("alpha", canonical.HashBytes([]byte("a-updated")))
	root2 := idx.Root()

	require.NotEqual(t, root1, root2)
}

func TestIndex_GetAndDelete(t *testing.T) {
	idx := New()
	h := canonical.HashBytes([]byte("x"))
	idx.Set("k", h)

	got, ok := idx.Get("k")
	require.True(t, ok)
	require.Equal(t, h, got)

	idx.Delete("k")
	_, ok = idx.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, idx.Len())
}

func TestIndex_Root_SingleEntryIsNonZero(t *testing.T) {
	idx := New()
	idx.Set("only", canonical.HashBytes([]byte("x")))
	root := idx.Root()
	require.False(t, root.IsZero())
}

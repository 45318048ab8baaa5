package store

import (
	"context"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A string
	B int64
}

func TestInMemory_PutGetBlob_RoundTrips(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)

	got, err := s.GetBlob(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestInMemory_PutBlob_ContentAddressed(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h1, err := s.PutBlob(ctx, []byte("same bytes"))
	require.NoError(t, err)
	h2, err := s.PutBlob(ctx, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, h1, h2, "identical content must hash identically")

	h3, err := s.PutBlob(ctx, []byte("different bytes"))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestInMemory_PutBlob_Idempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h, err := s.PutBlob(ctx, []byte("payload"))
	require.NoError(t, err)
	_, err = s.PutBlob(ctx, []byte("payload"))
	require.NoError(t, err)

	has, err := s.HasBlob(ctx, h)
	require.NoError(t, err)
	require.True(t, has)
}

func TestInMemory_GetBlob_NotFound(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, err := s.GetBlob(ctx, canonical.HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemory_GetBlob_ReturnsCopy(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h, err := s.PutBlob(ctx, []byte("mutate me"))
	require.NoError(t, err)

	got, err := s.GetBlob(ctx, h)
	require.NoError(t, err)
	got[0] = 'X'

	got2, err := s.GetBlob(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("mutate me"), got2, "mutating a returned blob must not corrupt the store")
}

func TestInMemory_HasBlob(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	has, err := s.HasBlob(ctx, canonical.HashBytes([]byte("absent")))
	require.NoError(t, err)
	require.False(t, has)

	h, err := s.PutBlob(ctx, []byte("present"))
	require.NoError(t, err)
	has, err = s.HasBlob(ctx, h)
	require.NoError(t, err)
	require.True(t, has)
}

func TestInMemory_PutGetNode_RoundTrips(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h, err := s.PutNode(ctx, sample{A: "x", B: 7})
	require.NoError(t, err)

	var out sample
	require.NoError(t, s.GetNode(ctx, h, &out))
	require.Equal(t, sample{A: "x", B: 7}, out)
}

func TestInMemory_PutNode_ContentAddressed(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	h1, err := s.PutNode(ctx, sample{A: "x", B: 7})
	require.NoError(t, err)
	h2, err := s.PutNode(ctx, sample{A: "x", B: 7})
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := s.PutNode(ctx, sample{A: "x", B: 8})
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestInMemory_GetNode_NotFound(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	var out sample
	err := s.GetNode(ctx, canonical.HashBytes([]byte("nope")), &out)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemory_HasNode(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	has, err := s.HasNode(ctx, canonical.HashBytes([]byte("absent")))
	require.NoError(t, err)
	require.False(t, has)

	h, err := s.PutNode(ctx, sample{A: "y", B: 1})
	require.NoError(t, err)
	has, err = s.HasNode(ctx, h)
	require.NoError(t, err)
	require.True(t, has)
}

func TestInMemory_BlobsAndNodesAreSeparateNamespaces(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	blobHash, err := s.PutBlob(ctx, []byte("shared-looking content"))
	require.NoError(t, err)

	hasNode, err := s.HasNode(ctx, blobHash)
	require.NoError(t, err)
	require.False(t, hasNode, "a blob hash must not be visible through the node namespace")
}

package workspace

import (
	"context"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/store"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, canonical.Hash) {
	t.Helper()
	st := store.NewInMemory()
	m := NewManager(st)
	empty, err := m.EmptyRoot(context.Background())
	require.NoError(t, err)
	return m, empty
}

func TestValidateName_RejectsDotAndDotDot(t *testing.T) {
	require.Error(t, ValidateName("."))
	require.Error(t, ValidateName(".."))
	require.Error(t, ValidateName("has/slash"))
	require.Error(t, ValidateName("has space"))
	require.NoError(t, ValidateName("lib.rs"))
	require.NoError(t, ValidateName("a_b-c~1"))
}

func TestWriteBytes_ThenReadBytes_RoundTrips(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr, err := m.WriteBytes(ctx, empty, "src/lib.rs", []byte("hello"), 0)
	require.NoError(t, err)

	got, err := m.ReadBytes(ctx, wr.NewRoot, "src/lib.rs", ByteRange{})
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestReadBytes_RespectsByteRange(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr, err := m.WriteBytes(ctx, empty, "f.txt", []byte("0123456789"), 0)
	require.NoError(t, err)

	got, err := m.ReadBytes(ctx, wr.NewRoot, "f.txt", ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	require.Equal(t, "234", string(got))
}

func TestWriteBytes_CreatesIntermediateDirectoriesSorted(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr1, err := m.WriteBytes(ctx, empty, "src/b.rs", []byte("b"), 0)
	require.NoError(t, err)
	wr2, err := m.WriteBytes(ctx, wr1.NewRoot, "src/a.rs", []byte("a"), 0)
	require.NoError(t, err)

	listing, err := m.List(ctx, wr2.NewRoot, "src", ScopeDir, "", 0)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)
	require.Equal(t, "src/a.rs", listing.Entries[0].Path)
	require.Equal(t, "src/b.rs", listing.Entries[1].Path)
}

func TestList_SubtreeScopeRecurses(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr1, err := m.WriteBytes(ctx, empty, "a/x.txt", []byte("x"), 0)
	require.NoError(t, err)
	wr2, err := m.WriteBytes(ctx, wr1.NewRoot, "a/b/y.txt", []byte("y"), 0)
	require.NoError(t, err)

	listing, err := m.List(ctx, wr2.NewRoot, "", ScopeSubtree, "", 0)
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, e := range listing.Entries {
		paths[e.Path] = true
	}
	require.True(t, paths["a/x.txt"])
	require.True(t, paths["a/b"])
	require.True(t, paths["a/b/y.txt"])
}

func TestRemove_EmptyDirSucceedsNonEmptyDirFails(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr, err := m.WriteBytes(ctx, empty, "dir/file.txt", []byte("x"), 0)
	require.NoError(t, err)

	_, err = m.Remove(ctx, wr.NewRoot, "dir")
	require.ErrorIs(t, err, ErrNotEmpty)

	afterFile, err := m.Remove(ctx, wr.NewRoot, "dir/file.txt")
	require.NoError(t, err)
	afterDir, err := m.Remove(ctx, afterFile, "dir")
	require.NoError(t, err)

	_, err = m.ReadRef(ctx, afterDir, "dir")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAnnotationsSetAndGet_RoundTrip(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr, err := m.WriteBytes(ctx, empty, "src/lib.rs", []byte("hello"), 0)
	require.NoError(t, err)

	authorHash := canonical.HashBytes([]byte("alice"))
	newRoot, err := m.AnnotationsSet(ctx, wr.NewRoot, "src/lib.rs", AnnotationPatch{"author": &authorHash})
	require.NoError(t, err)

	got, err := m.AnnotationsGet(ctx, newRoot, "src/lib.rs")
	require.NoError(t, err)
	require.Equal(t, authorHash, got["author"])

	removedRoot, err := m.AnnotationsSet(ctx, newRoot, "src/lib.rs", AnnotationPatch{"author": nil})
	require.NoError(t, err)
	got2, err := m.AnnotationsGet(ctx, removedRoot, "src/lib.rs")
	require.NoError(t, err)
	require.Empty(t, got2)
}

func TestDiff_WriteBytesProducesExactlyOneChange(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr, err := m.WriteBytes(ctx, empty, "src/lib.rs", []byte("hello"), 0)
	require.NoError(t, err)

	diffs, err := m.Diff(ctx, empty, wr.NewRoot, "")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, "src/lib.rs", diffs[0].Path)
	require.Equal(t, "added", diffs[0].Kind)
}

func TestDiff_ModifiedFileReportsOldAndNewHash(t *testing.T) {
	m, empty := newManager(t)
	ctx := context.Background()

	wr1, err := m.WriteBytes(ctx, empty, "f.txt", []byte("v1"), 0)
	require.NoError(t, err)
	wr2, err := m.WriteBytes(ctx, wr1.NewRoot, "f.txt", []byte("v2"), 0)
	require.NoError(t, err)

	diffs, err := m.Diff(ctx, wr1.NewRoot, wr2.NewRoot, "")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, "modified", diffs[0].Kind)
	require.NotNil(t, diffs[0].OldHash)
	require.NotNil(t, diffs[0].NewHash)
}

func TestCommit_OptimisticConcurrency(t *testing.T) {
	m, empty := newManager(t)

	v1, err := m.Commit("ws1", nil, CommitMeta{RootHash: empty, Owner: "alice"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	stale := uint64(0)
	_, err = m.Commit("ws1", &stale, CommitMeta{RootHash: empty, Owner: "bob"})
	require.ErrorIs(t, err, ErrHeadMismatch)

	good := uint64(1)
	v2, err := m.Commit("ws1", &good, CommitMeta{RootHash: empty, Owner: "bob"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	res := m.Resolve("ws1", nil)
	require.True(t, res.Exists)
	require.Equal(t, uint64(2), res.Version)
}

func TestResolve_UnknownWorkspaceDoesNotExist(t *testing.T) {
	m, _ := newManager(t)
	res := m.Resolve("nope", nil)
	require.False(t, res.Exists)
}

func TestCorruptTree_UnsortedEntriesFailClosed(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	bad := Tree{Entries: []Entry{
		{Name: "b.txt", Kind: KindFile, TargetHash: canonical.HashBytes([]byte("b"))},
		{Name: "a.txt", Kind: KindFile, TargetHash: canonical.HashBytes([]byte("a"))},
	}}
	h, err := m.Store.PutNode(ctx, bad)
	require.NoError(t, err)

	_, err = m.ReadRef(ctx, h, "a.txt")
	require.ErrorIs(t, err, ErrCorruptTree)
}

package snapshot

import (
	"context"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Build_SortsInstancesAndRootCompleteness(t *testing.T) {
	manifestHash := canonical.HashBytes([]byte("manifest"))
	stateA := canonical.HashBytes([]byte("a"))
	stateB := canonical.HashBytes([]byte("b"))

	b := Builder{
		Height:       5,
		ManifestHash: manifestHash,
		ReducerStateEntries: map[string]map[string]canonical.Hash{
			"echo": {"b-inst": stateB, "a-inst": stateA},
		},
	}
	snap := b.Build()

	require.Equal(t, []string{"echo/a-inst", "echo/b-inst"}, snap.WorkflowInstances)
	require.Equal(t, manifestHash, snap.RootCompleteness[0])
	require.Contains(t, snap.RootCompleteness, stateA)
	require.Contains(t, snap.RootCompleteness, stateB)
}

func TestCreateThenLoad_RoundTrips(t *testing.T) {
	st := store.NewInMemory()
	ctx := context.Background()

	manifestNode, err := st.PutNode(ctx, map[string]string{"api_version": "v1"})
	require.NoError(t, err)
	stateHash, err := st.PutBlob(ctx, []byte("state"))
	require.NoError(t, err)

	b := Builder{
		Height:       1,
		ManifestHash: manifestNode,
		ReducerStateEntries: map[string]map[string]canonical.Hash{
			"echo": {"inst-1": stateHash},
		},
	}
	snap := b.Build()

	h, err := Create(ctx, st, snap)
	require.NoError(t, err)

	loaded, err := Load(ctx, st, h)
	require.NoError(t, err)
	require.Equal(t, snap.ManifestHash, loaded.ManifestHash)
	require.Equal(t, snap.WorkflowInstances, loaded.WorkflowInstances)
}

func TestLoad_FailsClosedOnMissingRoot(t *testing.T) {
	st := store.NewInMemory()
	ctx := context.Background()

	stateHash, err := st.PutBlob(ctx, []byte("state"))
	require.NoError(t, err)

	b := Builder{
		Height:       1,
		ManifestHash: canonical.HashBytes([]byte("never-stored")),
		ReducerStateEntries: map[string]map[string]canonical.Hash{
			"echo": {"inst-1": stateHash},
		},
	}
	h, err := Create(ctx, st, b.Build())
	require.NoError(t, err)

	_, err = Load(ctx, st, h)
	require.ErrorIs(t, err, ErrRootMissing)
}

func TestLoad_FailsClosedOnMissingStateBlob(t *testing.T) {
	st := store.NewInMemory()
	ctx := context.Background()

	manifestNode, err := st.PutNode(ctx, map[string]string{"api_version": "v1"})
	require.NoError(t, err)

	b := Builder{
		Height:       1,
		ManifestHash: manifestNode,
		ReducerStateEntries: map[string]map[string]canonical.Hash{
			"echo": {"inst-1": canonical.HashBytes([]byte("never-stored-blob"))},
		},
	}
	h, err := Create(ctx, st, b.Build())
	require.NoError(t, err)

	_, err = Load(ctx, st, h)
	require.ErrorIs(t, err, ErrRootMissing)
}

func TestPromotable_RequiresReceiptHorizonToMatchSnapshotHeight(t *testing.T) {
	require.True(t, Promotable(10, 10))
	require.False(t, Promotable(10, 9))
	require.False(t, Promotable(10, 11))
}

func TestRegistry_RecordAndLatestBaseline(t *testing.T) {
	st := store.NewInMemory()
	jr := journal.NewInMemory()
	reg := NewRegistry(st, jr)
	ctx := context.Background()

	manifestNode, err := st.PutNode(ctx, map[string]string{"api_version": "v1"})
	require.NoError(t, err)
	snap := Builder{Height: 1, ManifestHash: manifestNode}.Build()
	h1, err := Create(ctx, st, snap)
	require.NoError(t, err)

	_, err = reg.Record(ctx, 1, h1, false)
	require.NoError(t, err)
	_, ok := reg.LatestBaseline()
	require.False(t, ok)

	_, err = reg.Record(ctx, 1, h1, true)
	require.NoError(t, err)
	base, ok := reg.LatestBaseline()
	require.True(t, ok)
	require.Equal(t, uint64(1), base.Height)

	baselineHash, body, err := reg.CurrentBaseline(ctx)
	require.NoError(t, err)
	require.Equal(t, h1, baselineHash)
	require.NotEmpty(t, body)
}

func TestRegistry_CurrentBaseline_ErrorsWhenUnset(t *testing.T) {
	st := store.NewInMemory()
	jr := journal.NewInMemory()
	reg := NewRegistry(st, jr)

	_, _, err := reg.CurrentBaseline(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

package receipt

import (
	"context"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/stretchr/testify/require"
)

type fakeOrigins struct {
	known map[canonical.Hash]Origin
}

func (f *fakeOrigins) RecoverOrigin(ctx context.Context, h canonical.Hash) (Origin, bool, error) {
	o, ok := f.known[h]
	return o, ok, nil
}

func TestPipeline_Ingest_UnknownReceiptFaultPath(t *testing.T) {
	p := NewPipeline(&fakeOrigins{known: map[canonical.Hash]Origin{}}, 0)
	_, err := p.Ingest(context.Background(), Receipt{IntentHash: canonical.HashBytes([]byte("x"))})
	require.ErrorIs(t, err, ErrUnknownReceipt)
}

func TestPipeline_Ingest_ResolvesOrigin(t *testing.T) {
	h := canonical.HashBytes([]byte("x"))
	want := Origin{ModuleID: "mod.a", InstanceKey: "inst-1", EffectIndex: 2}
	p := NewPipeline(&fakeOrigins{known: map[canonical.Hash]Origin{h: want}}, 0)

	got, err := p.Ingest(context.Background(), Receipt{IntentHash: h})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPipeline_AlreadyProcessed_DetectsDuplicate(t *testing.T) {
	p := NewPipeline(&fakeOrigins{known: map[canonical.Hash]Origin{}}, 8)
	h := canonical.HashBytes([]byte("intent-1"))

	require.False(t, p.AlreadyProcessed(h))
	require.True(t, p.AlreadyProcessed(h))
}

func TestPipeline_AlreadyProcessed_EvictsOldestBeyondWindow(t *testing.T) {
	p := NewPipeline(&fakeOrigins{known: map[canonical.Hash]Origin{}}, 2)

	h1 := canonical.HashBytes([]byte("1"))
	h2 := canonical.HashBytes([]byte("2"))
	h3 := canonical.HashBytes([]byte("3"))

	require.False(t, p.AlreadyProcessed(h1))
	require.False(t, p.AlreadyProcessed(h2))
	require.False(t, p.AlreadyProcessed(h3)) // evicts h1

	require.False(t, p.AlreadyProcessed(h1)) // forgotten, re-admitted
}

func TestPipeline_NextStreamSeq_MonotonicPerInstanceIntent(t *testing.T) {
	p := NewPipeline(&fakeOrigins{known: map[canonical.Hash]Origin{}}, 0)
	inst := canonical.HashBytes([]byte("inst"))
	intent := canonical.HashBytes([]byte("intent"))
	other := canonical.HashBytes([]byte("other-intent"))

	require.Equal(t, uint64(1), p.NextStreamSeq(inst, intent))
	require.Equal(t, uint64(2), p.NextStreamSeq(inst, intent))
	require.Equal(t, uint64(1), p.NextStreamSeq(inst, other))
}

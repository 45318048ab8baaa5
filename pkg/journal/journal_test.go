package journal

import (
	"context"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/stretchr/testify/require"
)

func TestInMemory_Append_AssignsSequentialSeq(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()

	seq1, err := j.Append(ctx, KindDomainEvent, map[string]any{"n": 1})
	require.NoError(t, err)
	seq2, err := j.Append(ctx, KindDomainEvent, map[string]any{"n": 2})
	require.NoError(t, err)

	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)
	require.Equal(t, uint64(2), j.LastSeq())
}

func TestInMemory_ChainHash_DependsOnPriorRecord(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()

	_, err := j.Append(ctx, KindDomainEvent, map[string]any{"n": 1})
	require.NoError(t, err)
	afterFirst := j.ChainHash()

	_, err = j.Append(ctx, KindDomainEvent, map[string]any{"n": 2})
	require.NoError(t, err)
	afterSecond := j.ChainHash()

	require.NotEqual(t, afterFirst, afterSecond)

	rec2, err := j.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, afterFirst, rec2.PreviousHash)
}

func TestInMemory_Get_UnknownSeqFails(t *testing.T) {
	j := NewInMemory()
	_, err := j.Get(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemory_Range_ClampsToLastSeq(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, KindCustom, map[string]any{"i": i})
		require.NoError(t, err)
	}

	recs, err := j.Range(ctx, 2, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(2), recs[0].Seq)
	require.Equal(t, uint64(3), recs[1].Seq)
}

func TestInMemory_Range_InvalidBoundsFails(t *testing.T) {
	j := NewInMemory()
	_, err := j.Range(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = j.Range(context.Background(), 5, 1)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestInMemory_Append_PayloadRoundTrips(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()

	type domainEvent struct {
		Kind string `cbor:"kind"`
	}
	_, err := j.Append(ctx, KindDomainEvent, domainEvent{Kind: "order.placed"})
	require.NoError(t, err)

	rec, err := j.Get(ctx, 1)
	require.NoError(t, err)

	var decoded domainEvent
	err = canonical.Decode(rec.Payload, &decoded)
	require.NoError(t, err)
	require.Equal(t, "order.placed", decoded.Kind)
}

package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_AdvanceIncrementsHeightAndTime(t *testing.T) {
	c := New(1000)

	h, now := c.Advance(50)
	require.Equal(t, uint64(1), h)
	require.Equal(t, int64(1050), now)

	h, now = c.Advance(0)
	require.Equal(t, uint64(2), h)
	require.Equal(t, int64(1050), now)
}

func TestClock_NowReflectsLastAdvance(t *testing.T) {
	c := New(0)
	c.Advance(10)
	c.Advance(10)

	h, now := c.Now()
	require.Equal(t, uint64(2), h)
	require.Equal(t, int64(20), now)
}

func TestNewEntropy_RejectsShortSeed(t *testing.T) {
	_, err := NewEntropy([]byte("too-short"))
	require.ErrorIs(t, err, ErrShortSeed)
}

func TestEntropy_DeriveIsDeterministicAndLabelDependent(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	e, err := NewEntropy(seed)
	require.NoError(t, err)

	a1 := e.Derive("label-a", 32)
	a2 := e.Derive("label-a", 32)
	require.Equal(t, a1, a2)

	b := e.Derive("label-b", 32)
	require.NotEqual(t, a1, b)

	require.Len(t, e.Derive("label-c", 17), 17)
}

func TestDeriveSeed_DifferentLabelsDifferentSeeds(t *testing.T) {
	parent := []byte("root-seed")
	s1 := DeriveSeed(parent, "a")
	s2 := DeriveSeed(parent, "b")
	require.NotEqual(t, s1, s2)
}

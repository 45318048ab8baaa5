package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_Next_OrdersByScheduledAtThenPriority(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Schedule(ctx, &Task{TaskID: "b", ScheduledAt: now, Priority: 1}))
	require.NoError(t, s.Schedule(ctx, &Task{TaskID: "a", ScheduledAt: now, Priority: 0}))
	require.NoError(t, s.Schedule(ctx, &Task{TaskID: "c", ScheduledAt: now.Add(time.Second), Priority: 0}))

	first, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.TaskID)

	second, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.TaskID)

	third, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", third.TaskID)
}

func TestScheduler_SortKey_BreaksTiesDeterministically(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Schedule(ctx, &Task{TaskID: "x", TaskType: "tick", ScheduledAt: now}))
	require.NoError(t, s.Schedule(ctx, &Task{TaskID: "y", TaskType: "tick", ScheduledAt: now}))

	first, err := s.Next(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first.SortKey)
}

func TestScheduler_Close_UnblocksNext(t *testing.T) {
	s := New()
	s.Close()
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_Schedule_RejectsAfterClose(t *testing.T) {
	s := New()
	s.Close()
	err := s.Schedule(context.Background(), &Task{TaskID: "x"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_SnapshotHash_IndependentOfInsertionOrder(t *testing.T) {
	now := time.Now()

	s1 := New()
	_ = s1.Schedule(context.Background(), &Task{TaskID: "a", ScheduledAt: now, SortKey: "a"})
	_ = s1.Schedule(context.Background(), &Task{TaskID: "b", ScheduledAt: now, SortKey: "b"})

	s2 := New()
	_ = s2.Schedule(context.Background(), &Task{TaskID: "b", ScheduledAt: now, SortKey: "b"})
	_ = s2.Schedule(context.Background(), &Task{TaskID: "a", ScheduledAt: now, SortKey: "a"})

	h1, err := s1.SnapshotHash()
	require.NoError(t, err)
	h2, err := s2.SnapshotHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestLocalLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	l := NewLocalLimiter()
	policy := BackpressurePolicy{RPM: 60, Burst: 2}

	ok, err := l.Allow(context.Background(), "actor-1", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "actor-1", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "actor-1", policy, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

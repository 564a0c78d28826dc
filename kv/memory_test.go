package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGuardAccounting(t *testing.T) {
	t.Parallel()

	tracker := NewMemoryTracker()
	g := tracker.NewGuard(MemoryCategoryWriteLogs, "")
	g.IncrementSize(100)
	g.IncrementSize(-40)
	require.Equal(t, int64(60), g.Size())
	require.Equal(t, int64(60), tracker.Used(MemoryCategoryWriteLogs))

	g.SetSize(0)
	require.Zero(t, tracker.Used(MemoryCategoryWriteLogs))

	var nilGuard *MemoryGuard
	nilGuard.IncrementSize(10)
	require.Zero(t, nilGuard.Size())
}

func TestMemoryTrackerPoolLimits(t *testing.T) {
	t.Parallel()

	tracker := NewMemoryTracker()
	tracker.SetLimit(MemoryCategoryTabletDynamic, 1000)
	tracker.SetPoolLimit("small", 10)

	g := tracker.NewGuard(MemoryCategoryTabletDynamic, "small")
	g.IncrementSize(9)
	require.NoError(t, tracker.Validate(MemoryCategoryTabletDynamic, "small"))
	g.IncrementSize(1)
	require.ErrorIs(t, tracker.Validate(MemoryCategoryTabletDynamic, "small"), ErrMemoryLimitExceeded)
	require.NoError(t, tracker.Validate(MemoryCategoryTabletDynamic, ""))

	other := tracker.NewGuard(MemoryCategoryTabletDynamic, "")
	other.IncrementSize(990)
	require.ErrorIs(t, tracker.Validate(MemoryCategoryTabletDynamic, ""), ErrMemoryLimitExceeded)

	g.Release()
	other.Release()
	require.False(t, tracker.IsExceeded(MemoryCategoryTabletDynamic, "small"))
}

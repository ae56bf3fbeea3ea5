package runner

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/kv/memkv"
)

func TestDirectoryPicksRunnerWithMostMemory(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(memkv.New())

	small, big := uuid.New(), uuid.New()
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", small, uuid.New(), 1000, 10, 4))
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", big, uuid.New(), 2000, 20, 8))

	best, err := dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, big, best.RunnerID)
	require.Equal(t, int64(2000), best.RemainingMem)
	require.Equal(t, 8, best.TotalSlots)

	// Other datacenters and flavors see nothing.
	none, err := dir.PickBest(ctx, "dc-2", "basic")
	require.NoError(t, err)
	require.Nil(t, none)
	none, err = dir.PickBest(ctx, "dc-1", "gpu")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestDirectoryReserveMemReordersCandidates(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(memkv.New())

	a, b := uuid.New(), uuid.New()
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", a, uuid.New(), 1000, 10, 4))
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", b, uuid.New(), 2000, 20, 8))

	require.NoError(t, dir.ReserveMem(ctx, b, 1500))

	best, err := dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, a, best.RunnerID)

	best, err = dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Equal(t, a, best.RunnerID)
}

func TestDirectoryRepublishMovesEntry(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(memkv.New())

	id := uuid.New()
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", id, uuid.New(), 500, 10, 4))
	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", id, uuid.New(), 900, 11, 4))

	best, err := dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Equal(t, int64(900), best.RemainingMem)

	// A single remove drops the runner entirely; the stale 500 entry must
	// not have survived the republish.
	require.NoError(t, dir.Remove(ctx, id))
	best, err = dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestDirectoryRemoveAndReserveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(memkv.New())

	id := uuid.New()
	require.NoError(t, dir.Remove(ctx, id))
	require.NoError(t, dir.ReserveMem(ctx, id, 100))

	require.NoError(t, dir.Publish(ctx, "dc-1", "basic", id, uuid.New(), 500, 10, 4))
	require.NoError(t, dir.Remove(ctx, id))
	require.NoError(t, dir.Remove(ctx, id))

	best, err := dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Nil(t, best)
}

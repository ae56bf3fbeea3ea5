package actor

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/kv/memkv"
)

func TestAllocateDistinctPortsAndRelease(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(memkv.New(), PortsConfig{
		GG:   PortRangeConfig{Min: 20000, Max: 20009},
		Host: PortRangeConfig{Min: 26000, Max: 26009},
	})
	actorID := uuid.New()

	ports, err := alloc.Allocate(ctx, actorID, []PortRequest{
		{Name: "game", Range: RangeGG, Protocol: ProtoUDP},
		{Name: "web", Range: RangeHost, Protocol: ProtoTCP},
		{Name: "metrics", Range: RangeHost, Protocol: ProtoTCP},
	})
	require.NoError(t, err)
	require.Len(t, ports, 3)

	seen := map[string]bool{}
	for _, p := range ports {
		key := claimMapKey(p.Range, p.Protocol, p.Port)
		require.False(t, seen[key], "duplicate allocation %v", p)
		seen[key] = true
	}

	held, err := alloc.Held(ctx, actorID)
	require.NoError(t, err)
	require.Len(t, held, 3)

	require.NoError(t, alloc.Release(ctx, actorID))
	held, err = alloc.Held(ctx, actorID)
	require.NoError(t, err)
	require.Nil(t, held)

	// Releasing again is a no-op.
	require.NoError(t, alloc.Release(ctx, actorID))
}

func TestAllocateReusesTombstonedPorts(t *testing.T) {
	ctx := context.Background()
	// A range of exactly two ports: reuse only works if release tombstones.
	alloc := NewAllocator(memkv.New(), PortsConfig{
		GG: PortRangeConfig{Min: 20000, Max: 20001},
	})

	first := uuid.New()
	_, err := alloc.Allocate(ctx, first, []PortRequest{
		{Name: "a", Range: RangeGG, Protocol: ProtoTCP},
		{Name: "b", Range: RangeGG, Protocol: ProtoTCP},
	})
	require.NoError(t, err)

	second := uuid.New()
	_, err = alloc.Allocate(ctx, second, []PortRequest{
		{Name: "a", Range: RangeGG, Protocol: ProtoTCP},
	})
	require.Error(t, err)

	require.NoError(t, alloc.Release(ctx, first))
	ports, err := alloc.Allocate(ctx, second, []PortRequest{
		{Name: "a", Range: RangeGG, Protocol: ProtoTCP},
		{Name: "b", Range: RangeGG, Protocol: ProtoTCP},
	})
	require.NoError(t, err)
	require.Len(t, ports, 2)
}

func TestAllocateExhaustedRange(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(memkv.New(), PortsConfig{
		GG: PortRangeConfig{Min: 20000, Max: 20001},
	})

	_, err := alloc.Allocate(ctx, uuid.New(), []PortRequest{
		{Name: "a", Range: RangeGG, Protocol: ProtoTCP},
		{Name: "b", Range: RangeGG, Protocol: ProtoTCP},
		{Name: "c", Range: RangeGG, Protocol: ProtoTCP},
	})
	require.Error(t, err)
}

func TestPortAllocationUnderContention(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	// Twenty ports per protocol subspace; two actors want eight each.
	alloc := NewAllocator(db, PortsConfig{
		GG: PortRangeConfig{Min: 20000, Max: 20019},
	})

	reqs := make([]PortRequest, 0, 8)
	for i := 0; i < 4; i++ {
		reqs = append(reqs, PortRequest{Name: "tcp", Range: RangeGG, Protocol: ProtoTCP})
		reqs = append(reqs, PortRequest{Name: "udp", Range: RangeGG, Protocol: ProtoUDP})
	}

	actors := []uuid.UUID{uuid.New(), uuid.New()}
	results := make([][]AllocatedPort, len(actors))
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, id := range actors {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			results[i], errs[i] = alloc.Allocate(ctx, id, reqs)
		}(i, id)
	}
	wg.Wait()

	// Both commit within bounded retries; no (port, protocol) pair is
	// shared between the two actors.
	claimed := map[string]int{}
	for i := range actors {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 8)
		for _, p := range results[i] {
			claimed[claimMapKey(p.Range, p.Protocol, p.Port)]++
		}
	}
	for key, count := range claimed {
		require.Equal(t, 1, count, "port %s double-booked", key)
	}
}

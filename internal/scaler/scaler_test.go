package scaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/kv/memkv"
)

func newScaler() *Scaler {
	return New(memkv.New(), nil, nil, zerolog.Nop())
}

func countKind(actions []Action, kind ActionKind) int {
	n := 0
	for _, a := range actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func TestScaleUpProvisionsDeficit(t *testing.T) {
	ctx := context.Background()
	s := newScaler()
	cfg := PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 3}

	actions, err := s.ScalePool(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 3, countKind(actions, ActionProvision))

	servers, err := s.Servers(ctx, "dc-1", PoolGg)
	require.NoError(t, err)
	require.Len(t, servers, 3)

	// A second pass at the same desired count is a no-op.
	actions, err = s.ScalePool(ctx, cfg)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestScaleUpUndrainsBeforeProvisioning(t *testing.T) {
	ctx := context.Background()
	s := newScaler()

	active := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 1}
	draining := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 2, Draining: true}
	require.NoError(t, s.PutServer(ctx, active))
	require.NoError(t, s.PutServer(ctx, draining))

	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 2})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, ActionUndrain, actions[0].Kind)
	require.Equal(t, draining.ServerID, actions[0].ServerID)

	servers, err := s.Servers(ctx, "dc-1", PoolGg)
	require.NoError(t, err)
	for _, srv := range servers {
		require.False(t, srv.Draining)
	}
}

func TestScaleDownDrainsSurplus(t *testing.T) {
	ctx := context.Background()
	s := newScaler()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.PutServer(ctx, Server{
			ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolAts,
			CreateTs: int64(i), Installed: true, HasNode: true,
		}))
	}

	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolAts, Desired: 1})
	require.NoError(t, err)
	require.Equal(t, 2, countKind(actions, ActionDrain))
	require.Zero(t, countKind(actions, ActionDestroy))
}

func TestJobPoolDestroysServersThatNeverJoined(t *testing.T) {
	ctx := context.Background()
	s := newScaler()

	joined := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolJob, CreateTs: 1, Installed: true, HasNode: true}
	stray := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolJob, CreateTs: 2, Installed: true}
	require.NoError(t, s.PutServer(ctx, joined))
	require.NoError(t, s.PutServer(ctx, stray))

	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolJob, Desired: 1})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, ActionDestroy, actions[0].Kind)
	require.Equal(t, stray.ServerID, actions[0].ServerID)

	servers, err := s.Servers(ctx, "dc-1", PoolJob)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, joined.ServerID, servers[0].ServerID)
}

func TestTaintedServersRotateOnlyWithSpareCapacity(t *testing.T) {
	ctx := context.Background()
	s := newScaler()

	healthy := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 1, Installed: true, HasNode: true}
	tainted := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 2, Installed: true, HasNode: true, Tainted: true}
	require.NoError(t, s.PutServer(ctx, healthy))
	require.NoError(t, s.PutServer(ctx, tainted))

	// One untainted active satisfies desired=1, so the tainted server drains.
	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 1})
	require.NoError(t, err)
	require.Equal(t, 1, countKind(actions, ActionDrain))
	require.Equal(t, tainted.ServerID, actions[len(actions)-1].ServerID)
}

func TestTaintedServerKeptWhenCapacityShort(t *testing.T) {
	ctx := context.Background()
	s := newScaler()

	healthy := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 1, Installed: true, HasNode: true}
	tainted := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 2, Installed: true, HasNode: true, Tainted: true}
	require.NoError(t, s.PutServer(ctx, healthy))
	require.NoError(t, s.PutServer(ctx, tainted))

	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 2})
	require.NoError(t, err)
	require.Zero(t, countKind(actions, ActionDrain))
}

func TestDrainedServersAreDestroyed(t *testing.T) {
	ctx := context.Background()
	s := newScaler()

	drained := Server{ServerID: uuid.New(), Datacenter: "dc-1", Pool: PoolGg, CreateTs: 1, Draining: true, Drained: true}
	require.NoError(t, s.PutServer(ctx, drained))

	actions, err := s.ScalePool(ctx, PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 0})
	require.NoError(t, err)
	require.Equal(t, 1, countKind(actions, ActionDestroy))

	servers, err := s.Servers(ctx, "dc-1", PoolGg)
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestConcurrentScalePassesProvisionOnce(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	cfg := PoolConfig{Datacenter: "dc-1", Kind: PoolGg, Desired: 3}

	// Two controllers race the same pool; the server-range read conflicts
	// force one to retry against the other's committed rows.
	a := New(db, nil, nil, zerolog.Nop())
	b := New(db, nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([][]Action, 2)
	errs := make([]error, 2)
	for i, s := range []*Scaler{a, b} {
		wg.Add(1)
		go func(i int, s *Scaler) {
			defer wg.Done()
			results[i], errs[i] = s.ScalePool(ctx, cfg)
		}(i, s)
	}
	wg.Wait()

	total := 0
	for i := range results {
		require.NoError(t, errs[i])
		total += countKind(results[i], ActionProvision)
	}
	require.Equal(t, 3, total)

	servers, err := a.Servers(ctx, "dc-1", PoolGg)
	require.NoError(t, err)
	require.Len(t, servers, 3)
}

func TestClampDesiredRespectsMinMax(t *testing.T) {
	require.Equal(t, 2, PoolConfig{Desired: 1, Min: 2}.clampDesired())
	require.Equal(t, 4, PoolConfig{Desired: 9, Max: 4}.clampDesired())
	require.Equal(t, 3, PoolConfig{Desired: 3, Min: 1, Max: 5}.clampDesired())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newScaler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scaler did not stop")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/scaler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gantryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
datacenter: fra-1
log:
  level: debug
  format: console
kv:
  backend: sqlite
  path: /var/lib/gantry/kv.db
worker:
  poll_interval: 250ms
  lease_ttl: 45s
  pull_batch: 8
gateway:
  listen_addr: ":7420"
metrics:
  listen_addr: ":9090"
ports:
  gg: {min: 20000, max: 25999}
  host: {min: 26000, max: 31999}
runner:
  lost_threshold: 2m
scaler:
  interval: 15s
  pools:
    - {datacenter: fra-1, kind: gg, desired: 3, min: 1, max: 10}
    - {datacenter: fra-1, kind: job, desired: 5}
`))
	require.NoError(t, err)
	require.Equal(t, "fra-1", cfg.Datacenter)
	require.Equal(t, "sqlite", cfg.KV.Backend)
	require.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval.Std())
	require.Equal(t, 2*time.Minute, cfg.Runner.LostThreshold.Std())
	require.Equal(t, uint16(20000), cfg.Ports.GG.Min)
	require.Len(t, cfg.Scaler.Pools, 2)
	require.Equal(t, scaler.PoolGg, cfg.Scaler.Pools[0].Kind)
	require.Equal(t, 3, cfg.Scaler.Pools[0].Desired)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.KV.Backend)
	require.Equal(t, "local", cfg.Datacenter)
	require.Equal(t, uint16(25999), cfg.Ports.GG.Max)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
datacenter: fra-1
kv:
  backend: memory
  flavor: strawberry
`))
	require.Error(t, err)
}

func TestValidateBackendCrossFields(t *testing.T) {
	cfg := Default()
	cfg.KV = KVConfig{Backend: "sqlite"}
	require.ErrorContains(t, cfg.Validate(), "kv.path")

	cfg.KV = KVConfig{Backend: "postgres"}
	require.ErrorContains(t, cfg.Validate(), "kv.url")

	cfg.KV = KVConfig{Backend: "etcd"}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	cfg := Default()
	cfg.Ports.GG.Min = 30000
	cfg.Ports.GG.Max = 20000
	require.ErrorContains(t, cfg.Validate(), "port range")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
datacenter: fra-1
kv:
  backend: memory
worker:
  poll_interval: soonish
`))
	require.ErrorContains(t, err, "parse duration")
}

package cni

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/kv/memkv"
)

const bridgeConflist = `{
  "cniVersion": "1.0.0",
  "name": "actor-bridge",
  "plugins": [
    {"type": "bridge", "bridge": "actor0", "isGateway": true, "ipMasq": true,
     "ipam": {"type": "host-local", "subnet": "10.88.0.0/16"}},
    {"type": "portmap", "capabilities": {"portMappings": true}}
  ]
}`

func writeConf(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-actor.conflist"), []byte(bridgeConflist), 0o644))
	return dir
}

func TestCapabilityArgsAreDeterministic(t *testing.T) {
	ports := []PortMapping{
		{HostPort: 20005, ContainerPort: 20005, Protocol: "udp"},
		{HostPort: 20001, ContainerPort: 20001, Protocol: "tcp"},
	}
	a, err := json.Marshal(CapabilityArgs(ports))
	require.NoError(t, err)
	b, err := json.Marshal(CapabilityArgs([]PortMapping{ports[1], ports[0]}))
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))

	var decoded struct {
		PortMappings []PortMapping `json:"portMappings"`
	}
	require.NoError(t, json.Unmarshal(a, &decoded))
	require.Equal(t, uint16(20001), decoded.PortMappings[0].HostPort)
}

func TestLoadConfListPicksFirstByName(t *testing.T) {
	dir := writeConf(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "99-other.conflist"), []byte(`{
  "cniVersion": "1.0.0", "name": "other", "plugins": [{"type": "bridge"}]
}`), 0o644))

	m := NewManager(memkv.New(), dir, t.TempDir(), zerolog.Nop())
	list, err := m.loadConfList()
	require.NoError(t, err)
	require.Equal(t, "actor-bridge", list.Name)
}

func TestCapArgsRecordedAndCleared(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memkv.New(), writeConf(t), t.TempDir(), zerolog.Nop())
	actorID := uuid.New()

	capArgs := CapabilityArgs([]PortMapping{{HostPort: 20001, ContainerPort: 20001, Protocol: "tcp"}})
	require.NoError(t, m.recordCapArgs(ctx, actorID, capArgs))

	loaded, found, err := m.loadCapArgs(ctx, actorID)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, loaded, "portMappings")

	require.NoError(t, m.clearCapArgs(ctx, actorID))
	_, found, err = m.loadCapArgs(ctx, actorID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTeardownIsBestEffort(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memkv.New(), writeConf(t), t.TempDir(), zerolog.Nop())
	actorID := uuid.New()

	// No recorded attachment, no netns, no plugins on disk: teardown still
	// returns and clears the record.
	m.Teardown(ctx, actorID)

	require.NoError(t, m.recordCapArgs(ctx, actorID, CapabilityArgs(nil)))
	m.Teardown(ctx, actorID)
	_, found, err := m.loadCapArgs(ctx, actorID)
	require.NoError(t, err)
	require.False(t, found)
}

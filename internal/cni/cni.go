// Package cni attaches actors to bridge networking through the CNI plugin
// chain and tears attachments down symmetrically using recorded capability
// arguments.
package cni

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/containernetworking/cni/libcni"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

const (
	// DefaultBinDir is where distro packages install CNI plugins.
	DefaultBinDir  = "/opt/cni/bin"
	DefaultConfDir = "/etc/cni/net.d"

	ifName = "eth0"
)

// PortMapping feeds the portMappings capability of the plugin chain.
type PortMapping struct {
	HostPort      uint16 `json:"hostPort"`
	ContainerPort uint16 `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

// Manager drives the plugin chain for actor network namespaces. Capability
// args are persisted before the add so a later teardown replays the exact
// same chain input even across a process restart.
type Manager struct {
	cni     libcni.CNI
	confDir string
	db      kv.DB
	log     zerolog.Logger
}

func NewManager(db kv.DB, confDir, binDir string, log zerolog.Logger) *Manager {
	if confDir == "" {
		confDir = DefaultConfDir
	}
	if binDir == "" {
		binDir = DefaultBinDir
	}
	return &Manager{
		cni:     libcni.NewCNIConfig([]string{binDir}, nil),
		confDir: confDir,
		db:      db,
		log:     log.With().Str("component", "cni").Logger(),
	}
}

func capArgsKey(actorID uuid.UUID) []byte {
	return keyspace.Sub("cni", actorID).Pack("cap_args")
}

// CapabilityArgs builds the chain's capability arguments from the actor's
// allocated ports.
func CapabilityArgs(ports []PortMapping) map[string]interface{} {
	sorted := append([]PortMapping{}, ports...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].HostPort != sorted[j].HostPort {
			return sorted[i].HostPort < sorted[j].HostPort
		}
		return sorted[i].Protocol < sorted[j].Protocol
	})
	return map[string]interface{}{"portMappings": sorted}
}

// NetnsPath is the named namespace the actor's container joins.
func NetnsPath(actorID uuid.UUID) string {
	return filepath.Join("/var/run/netns", "actor-"+actorID.String())
}

// CreateNetns creates the named network namespace.
func CreateNetns(ctx context.Context, actorID uuid.UUID) error {
	out, err := exec.CommandContext(ctx, "ip", "netns", "add", "actor-"+actorID.String()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cni: create netns: %w\n%s", err, out)
	}
	return nil
}

// DeleteNetns removes the named namespace, best effort.
func (m *Manager) DeleteNetns(ctx context.Context, actorID uuid.UUID) {
	out, err := exec.CommandContext(ctx, "ip", "netns", "delete", "actor-"+actorID.String()).CombinedOutput()
	if err != nil {
		m.log.Warn().Err(err).Stringer("actor_id", actorID).Bytes("output", out).Msg("netns delete failed")
	}
}

// Setup invokes the plugin chain for the actor's namespace. The capability
// args are recorded first so a crash between record and add still tears down
// with the same input.
func (m *Manager) Setup(ctx context.Context, actorID uuid.UUID, ports []PortMapping) error {
	list, err := m.loadConfList()
	if err != nil {
		return err
	}
	capArgs := CapabilityArgs(ports)
	if err := m.recordCapArgs(ctx, actorID, capArgs); err != nil {
		return err
	}
	rt := m.runtimeConf(actorID, capArgs)
	if _, err := m.cni.AddNetworkList(ctx, list, rt); err != nil {
		return fmt.Errorf("cni: add network for actor %s: %w", actorID, err)
	}
	m.log.Info().Stringer("actor_id", actorID).Str("network", list.Name).Msg("network attached")
	return nil
}

// Teardown deletes the chain with the recorded capability args and removes
// the namespace. Every step logs and continues; cleanup must not block
// actor destruction.
func (m *Manager) Teardown(ctx context.Context, actorID uuid.UUID) {
	capArgs, found, err := m.loadCapArgs(ctx, actorID)
	if err != nil {
		m.log.Warn().Err(err).Stringer("actor_id", actorID).Msg("load recorded cap args failed")
	}
	if found {
		if list, err := m.loadConfList(); err != nil {
			m.log.Warn().Err(err).Msg("load network conf for teardown failed")
		} else if err := m.cni.DelNetworkList(ctx, list, m.runtimeConf(actorID, capArgs)); err != nil {
			m.log.Warn().Err(err).Stringer("actor_id", actorID).Msg("network detach failed")
		}
	}
	m.DeleteNetns(ctx, actorID)
	if err := m.clearCapArgs(ctx, actorID); err != nil {
		m.log.Warn().Err(err).Stringer("actor_id", actorID).Msg("clear recorded cap args failed")
	}
}

func (m *Manager) runtimeConf(actorID uuid.UUID, capArgs map[string]interface{}) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID:    "actor-" + actorID.String(),
		NetNS:          NetnsPath(actorID),
		IfName:         ifName,
		CapabilityArgs: capArgs,
	}
}

// loadConfList picks the lexicographically first conflist in the conf dir,
// which is the standard CNI selection rule.
func (m *Manager) loadConfList() (*libcni.NetworkConfigList, error) {
	files, err := libcni.ConfFiles(m.confDir, []string{".conflist"})
	if err != nil {
		return nil, fmt.Errorf("cni: scan conf dir %s: %w", m.confDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("cni: no network conflist in %s", m.confDir)
	}
	sort.Strings(files)
	list, err := libcni.ConfListFromFile(files[0])
	if err != nil {
		return nil, fmt.Errorf("cni: parse %s: %w", files[0], err)
	}
	return list, nil
}

func (m *Manager) recordCapArgs(ctx context.Context, actorID uuid.UUID, capArgs map[string]interface{}) error {
	raw, err := json.Marshal(capArgs)
	if err != nil {
		return err
	}
	return kv.RunTx(ctx, m.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(capArgsKey(actorID), raw)
		return nil
	})
}

func (m *Manager) loadCapArgs(ctx context.Context, actorID uuid.UUID) (map[string]interface{}, bool, error) {
	var capArgs map[string]interface{}
	found := false
	err := kv.ReadTx(ctx, m.db, func(ctx context.Context, tx kv.Tx) error {
		raw, err := tx.Get(ctx, capArgsKey(actorID))
		if err != nil || raw == nil {
			return err
		}
		found = true
		return json.Unmarshal(raw, &capArgs)
	})
	return capArgs, found, err
}

func (m *Manager) clearCapArgs(ctx context.Context, actorID uuid.UUID) error {
	return kv.RunTx(ctx, m.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Clear(capArgsKey(actorID))
		return nil
	})
}

package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// MergeInput carries the user-controlled pieces of the runtime config.
type MergeInput struct {
	Args []string
	// Env is the user environment; platform entries win on key collision.
	Env         map[string]string
	PlatformEnv map[string]string
	MemoryMB    int64
	// NetnsPath attaches the container to a pre-created network namespace.
	NetnsPath string
	Hostname  string
}

// MergeConfig builds the bundle's config.json from a base spec and the user
// input. The platform owns args, env, namespaces, resource limits, and the
// network file mounts; the user's config cannot override them.
func MergeConfig(base *specs.Spec, in MergeInput) *specs.Spec {
	merged := *base
	if merged.Process == nil {
		merged.Process = &specs.Process{Cwd: "/"}
	}
	proc := *merged.Process
	proc.Args = in.Args
	proc.Env = mergeEnv(in.Env, in.PlatformEnv)
	merged.Process = &proc

	merged.Hostname = in.Hostname

	if merged.Linux == nil {
		merged.Linux = &specs.Linux{}
	}
	linux := *merged.Linux
	linux.Namespaces = withNetns(linux.Namespaces, in.NetnsPath)
	if in.MemoryMB > 0 {
		limit := in.MemoryMB * 1024 * 1024
		if linux.Resources == nil {
			linux.Resources = &specs.LinuxResources{}
		}
		res := *linux.Resources
		res.Memory = &specs.LinuxMemory{Limit: &limit}
		linux.Resources = &res
	}
	merged.Linux = &linux

	merged.Mounts = append(append([]specs.Mount{}, merged.Mounts...), networkFileMounts()...)
	return &merged
}

func mergeEnv(user, platform map[string]string) []string {
	byKey := map[string]string{}
	for k, v := range user {
		byKey[k] = v
	}
	for k, v := range platform {
		byKey[k] = v
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+byKey[k])
	}
	return env
}

// withNetns ensures the required namespaces exist and points the network
// namespace at the CNI-managed path.
func withNetns(existing []specs.LinuxNamespace, netnsPath string) []specs.LinuxNamespace {
	required := []specs.LinuxNamespaceType{
		specs.PIDNamespace,
		specs.IPCNamespace,
		specs.UTSNamespace,
		specs.MountNamespace,
		specs.NetworkNamespace,
	}
	out := make([]specs.LinuxNamespace, 0, len(required))
	have := map[specs.LinuxNamespaceType]specs.LinuxNamespace{}
	for _, ns := range existing {
		have[ns.Type] = ns
	}
	for _, typ := range required {
		ns, ok := have[typ]
		if !ok {
			ns = specs.LinuxNamespace{Type: typ}
		}
		if typ == specs.NetworkNamespace && netnsPath != "" {
			ns.Path = netnsPath
		}
		out = append(out, ns)
	}
	return out
}

func networkFileMounts() []specs.Mount {
	opts := []string{"rbind", "ro"}
	return []specs.Mount{
		{Destination: "/etc/resolv.conf", Type: "bind", Source: "resolv.conf", Options: opts},
		{Destination: "/etc/hosts", Type: "bind", Source: "hosts", Options: opts},
	}
}

// WriteConfig serializes the merged spec into the bundle.
func WriteConfig(bundleDir string, spec *specs.Spec) error {
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("oci: encode config: %w", err)
	}
	return os.WriteFile(filepath.Join(bundleDir, "config.json"), raw, 0o644)
}

// LoadConfig reads an existing config.json, returning an empty base when the
// bundle carries none.
func LoadConfig(bundleDir string) (*specs.Spec, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if os.IsNotExist(err) {
		return &specs.Spec{Version: specs.Version}, nil
	}
	if err != nil {
		return nil, err
	}
	var spec specs.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("oci: decode config: %w", err)
	}
	return &spec, nil
}

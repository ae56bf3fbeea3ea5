package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/cni"
	"github.com/gantryio/gantry/internal/oci"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

// Runtime executes actor commands on the node. Implementations must be safe
// for concurrent use; the agent serializes commands per actor but not across
// actors.
type Runtime interface {
	StartActor(ctx context.Context, actorID uuid.UUID, start protocol.StartActor) error
	StopActor(ctx context.Context, actorID uuid.UUID) error
	PrewarmImage(ctx context.Context, artifactURL string) error
}

// LocalRuntime runs actors as OCI containers: bundle materialization through
// the artifact pipeline, networking through CNI, execution through runc.
type LocalRuntime struct {
	root string
	mat  *oci.Materializer
	net  *cni.Manager
	log  zerolog.Logger
}

// NewLocalRuntime keeps all node state under root: one bundle directory per
// actor plus a shared prewarm cache.
func NewLocalRuntime(root string, mat *oci.Materializer, net *cni.Manager, log zerolog.Logger) *LocalRuntime {
	return &LocalRuntime{
		root: root,
		mat:  mat,
		net:  net,
		log:  log.With().Str("component", "runtime").Logger(),
	}
}

func (r *LocalRuntime) bundleDir(actorID uuid.UUID) string {
	return filepath.Join(r.root, "actors", actorID.String())
}

func containerID(actorID uuid.UUID) string { return "actor-" + actorID.String() }

// StartActor stages the bundle, attaches networking and hands the container
// to runc. Any failure unwinds what was already set up.
func (r *LocalRuntime) StartActor(ctx context.Context, actorID uuid.UUID, start protocol.StartActor) error {
	bundle := r.bundleDir(actorID)
	if err := r.StageBundle(ctx, actorID, start, bundle); err != nil {
		os.RemoveAll(bundle)
		return err
	}
	if err := cni.CreateNetns(ctx, actorID); err != nil {
		os.RemoveAll(bundle)
		return err
	}
	if err := r.net.Setup(ctx, actorID, portMappings(start.Ports)); err != nil {
		r.net.DeleteNetns(ctx, actorID)
		os.RemoveAll(bundle)
		return err
	}
	if err := oci.RuncCreate(ctx, r.log, containerID(actorID), bundle); err != nil {
		r.net.Teardown(ctx, actorID)
		r.net.DeleteNetns(ctx, actorID)
		os.RemoveAll(bundle)
		return err
	}
	return nil
}

// StageBundle materializes the rootfs and writes the merged runtime config
// and network files. It touches nothing outside the bundle directory, so it
// needs no privileges and runs standalone in tests.
func (r *LocalRuntime) StageBundle(ctx context.Context, actorID uuid.UUID, start protocol.StartActor, bundle string) error {
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return fmt.Errorf("agent: create bundle: %w", err)
	}
	if err := r.mat.Fetch(ctx, start.ArtifactURL, rootfs); err != nil {
		return err
	}

	base, err := oci.LoadConfig(bundle)
	if err != nil {
		return err
	}
	hostname := containerID(actorID)
	spec := oci.MergeConfig(base, oci.MergeInput{
		Args:        start.Args,
		Env:         start.Env,
		PlatformEnv: platformEnv(actorID, start.Ports),
		MemoryMB:    start.MemoryMB,
		NetnsPath:   cni.NetnsPath(actorID),
		Hostname:    hostname,
	})
	if err := oci.WriteConfig(bundle, spec); err != nil {
		return err
	}
	if err := oci.WriteResolvConf(bundle, nil); err != nil {
		return err
	}
	return oci.WriteHosts(bundle, hostname, nil)
}

// StopActor tears everything down in reverse order. Runc and network
// cleanup are best-effort; a dead container must not wedge the node.
func (r *LocalRuntime) StopActor(ctx context.Context, actorID uuid.UUID) error {
	oci.RuncKill(ctx, r.log, containerID(actorID))
	oci.RuncDelete(ctx, r.log, containerID(actorID))
	r.net.Teardown(ctx, actorID)
	r.net.DeleteNetns(ctx, actorID)
	if err := os.RemoveAll(r.bundleDir(actorID)); err != nil {
		return fmt.Errorf("agent: remove bundle: %w", err)
	}
	return nil
}

// PrewarmImage fetches an artifact into the shared cache so a later start
// hits warm disk. Already-cached artifacts are left alone.
func (r *LocalRuntime) PrewarmImage(ctx context.Context, artifactURL string) error {
	dest := filepath.Join(r.root, "prewarm", cacheKey(artifactURL))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("agent: create prewarm cache: %w", err)
	}
	if err := r.mat.Fetch(ctx, artifactURL, dest); err != nil {
		os.RemoveAll(dest)
		return err
	}
	return nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

func portMappings(bindings []protocol.PortBinding) []cni.PortMapping {
	out := make([]cni.PortMapping, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, cni.PortMapping{
			HostPort:      b.Port,
			ContainerPort: b.Port,
			Protocol:      b.Protocol,
		})
	}
	return out
}

// platformEnv names each allocated port for the actor process.
func platformEnv(actorID uuid.UUID, bindings []protocol.PortBinding) map[string]string {
	env := map[string]string{
		"ACTOR_ID": actorID.String(),
	}
	for _, b := range bindings {
		env["PORT_"+strings.ToUpper(b.Name)] = fmt.Sprintf("%d", b.Port)
	}
	return env
}

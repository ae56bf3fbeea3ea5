package oci

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// runTool executes a conversion tool and keeps its full output in the error,
// since a failed skopeo or umoci run is only diagnosable from its stderr.
func runTool(ctx context.Context, log zerolog.Logger, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	log.Debug().Str("tool", name).Strs("args", args).Msg("running conversion tool")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("oci: %s %v: %w\n%s", name, args, err, out.String())
	}
	return nil
}

// ConvertDockerArchive converts a docker image archive into an unpacked OCI
// bundle: docker-archive → oci layout → bundle.
func ConvertDockerArchive(ctx context.Context, log zerolog.Logger, archivePath, workDir, bundleDir string) error {
	layout := filepath.Join(workDir, "oci-layout")
	if err := runTool(ctx, log, "skopeo", "copy",
		"docker-archive:"+archivePath,
		"oci:"+layout+":default"); err != nil {
		return err
	}
	return runTool(ctx, log, "umoci", "unpack",
		"--image", layout+":default",
		"--rootless",
		bundleDir)
}

// RuncCreate starts the container from its bundle.
func RuncCreate(ctx context.Context, log zerolog.Logger, containerID, bundleDir string) error {
	return runTool(ctx, log, "runc", "run", "--detach", "--bundle", bundleDir, containerID)
}

// RuncKill signals the container; missing containers are not an error so
// cleanup can run unconditionally.
func RuncKill(ctx context.Context, log zerolog.Logger, containerID string) {
	if err := runTool(ctx, log, "runc", "kill", containerID, "SIGKILL"); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("runc kill failed")
	}
}

// RuncDelete removes the container state, best effort.
func RuncDelete(ctx context.Context, log zerolog.Logger, containerID string) {
	if err := runTool(ctx, log, "runc", "delete", "--force", containerID); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("runc delete failed")
	}
}

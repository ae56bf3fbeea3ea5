package agent

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/cni"
	"github.com/gantryio/gantry/internal/oci"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

func buildArtifact(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func artifactServer(t *testing.T, body []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStageBundleWritesMergedConfigAndNetworkFiles(t *testing.T) {
	srv := artifactServer(t, buildArtifact(t, map[string]string{
		"app/server": "#!/bin/sh\necho hi\n",
	}), nil)

	rt := NewLocalRuntime(t.TempDir(), oci.NewMaterializer(nil, zerolog.Nop()), nil, zerolog.Nop())
	actorID := uuid.New()
	bundle := rt.bundleDir(actorID)

	require.NoError(t, rt.StageBundle(context.Background(), actorID, protocol.StartActor{
		ArtifactURL: srv.URL + "/app.tar",
		Args:        []string{"/app/server"},
		Env:         map[string]string{"APP_MODE": "prod"},
		Ports:       []protocol.PortBinding{{Name: "http", Protocol: "tcp", Port: 20001}},
		MemoryMB:    128,
	}, bundle))

	_, err := os.Stat(filepath.Join(bundle, "rootfs", "app", "server"))
	require.NoError(t, err)

	spec, err := oci.LoadConfig(bundle)
	require.NoError(t, err)
	require.Equal(t, []string{"/app/server"}, spec.Process.Args)
	require.Contains(t, spec.Process.Env, "APP_MODE=prod")
	require.Contains(t, spec.Process.Env, "PORT_HTTP=20001")
	require.Contains(t, spec.Process.Env, "ACTOR_ID="+actorID.String())
	require.Equal(t, "actor-"+actorID.String(), spec.Hostname)

	var netnsPath string
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			netnsPath = ns.Path
		}
	}
	require.Equal(t, cni.NetnsPath(actorID), netnsPath)

	limit := int64(128 * 1024 * 1024)
	require.Equal(t, &limit, spec.Linux.Resources.Memory.Limit)

	resolv, err := os.ReadFile(filepath.Join(bundle, "resolv.conf"))
	require.NoError(t, err)
	require.Contains(t, string(resolv), "nameserver")

	hosts, err := os.ReadFile(filepath.Join(bundle, "hosts"))
	require.NoError(t, err)
	require.Contains(t, string(hosts), "actor-"+actorID.String())
}

func TestPrewarmImageSkipsCachedArtifacts(t *testing.T) {
	var hits atomic.Int64
	srv := artifactServer(t, buildArtifact(t, map[string]string{"bin/run": "x"}), &hits)

	rt := NewLocalRuntime(t.TempDir(), oci.NewMaterializer(nil, zerolog.Nop()), nil, zerolog.Nop())
	ctx := context.Background()
	url := srv.URL + "/warm.tar"

	require.NoError(t, rt.PrewarmImage(ctx, url))
	require.Equal(t, int64(1), hits.Load())

	// A second prewarm of the same artifact hits warm disk.
	require.NoError(t, rt.PrewarmImage(ctx, url))
	require.Equal(t, int64(1), hits.Load())

	// A different artifact gets its own cache entry.
	require.NoError(t, rt.PrewarmImage(ctx, srv.URL+"/other.tar"))
	require.Equal(t, int64(2), hits.Load())
}

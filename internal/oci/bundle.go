// Package oci materializes container bundles: artifact download and
// extraction, docker-archive conversion, runtime config merging, and the
// bundle's network files.
package oci

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
)

// Materializer turns an artifact URL into an unpacked bundle rootfs.
type Materializer struct {
	client *http.Client
	log    zerolog.Logger
}

func NewMaterializer(client *http.Client, log zerolog.Logger) *Materializer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Materializer{client: client, log: log.With().Str("component", "oci").Logger()}
}

// Fetch streams the artifact into dest. An .lz4 suffix selects the
// decompression pipeline; the stream never touches an intermediate file.
func (m *Materializer) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("oci: build artifact request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("oci: fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oci: fetch artifact: unexpected status %s", resp.Status)
	}

	m.log.Info().Str("url", url).Str("dest", dest).Msg("extracting artifact")
	return Extract(resp.Body, strings.HasSuffix(url, ".lz4"), dest)
}

// Extract unpacks a tar stream, optionally lz4-compressed, into dest.
func Extract(r io.Reader, compressed bool, dest string) error {
	if compressed {
		r = lz4.NewReader(r)
	}
	return untar(r, dest)
}

func untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("oci: read tar: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("oci: mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("oci: create %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("oci: write %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("oci: symlink %s: %w", hdr.Name, err)
			}
		default:
			// Device nodes and the like have no business in an artifact.
			continue
		}
	}
}

// safeJoin rejects entries that escape the destination.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("oci: tar entry %q escapes bundle", name)
	}
	return target, nil
}

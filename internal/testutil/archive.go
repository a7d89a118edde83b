// Package testutil provides archive fixtures for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"os"
	"path"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// TarGzBytes builds a tar.gz archive containing the given files, keyed by
// slash-separated path. Parent directories are created implicitly by the
// extractor and are not written as entries.
func TarGzBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:     path.Clean(name),
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("write tar content %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

// WriteTarGz writes a tar.gz archive of files to dest and returns the
// hex-encoded SHA-256 digest of the archive bytes.
func WriteTarGz(t *testing.T, dest string, files map[string][]byte) string {
	t.Helper()

	data := TarGzBytes(t, files)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		t.Fatalf("write archive %s: %v", dest, err)
	}
	return digest.FromBytes(data).Encoded()
}

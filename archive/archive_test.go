package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/crosskit/sysroot/archive"
	"github.com/crosskit/sysroot/internal/testutil"
)

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	content  []byte
}

func writeTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.content)),
		}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s) error = %v", e.name, err)
		}
		if len(e.content) > 0 {
			if _, err := tw.Write(e.content); err != nil {
				t.Fatalf("Write(%s) error = %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func writeArchiveFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestExtractTarGz(t *testing.T) {
	path := writeArchiveFile(t, "sysroot.tar.gz", testutil.TarGzBytes(t, map[string][]byte{
		"usr/include/stdio.h": []byte("#define EOF (-1)\n"),
		"usr/lib/libc.a":      []byte("!<arch>\n"),
	}))

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "usr", "include", "stdio.h"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "#define EOF (-1)\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestExtractPlainTar(t *testing.T) {
	data := writeTar(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hosts", content: []byte("127.0.0.1 localhost\n")},
	})
	path := writeArchiveFile(t, "sysroot.tar", data)

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "etc", "hosts")); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestExtractTarZst(t *testing.T) {
	data := writeTar(t, []tarEntry{
		{name: "usr/bin/cc", content: []byte("#!/bin/sh\n")},
	})
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter() error = %v", err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path := writeArchiveFile(t, "sysroot.tar.zst", buf.Bytes())

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "usr", "bin", "cc")); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("usr/include/math.h")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.Write([]byte("double sin(double);\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path := writeArchiveFile(t, "sysroot.zip", buf.Bytes())

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "usr", "include", "math.h"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "double sin(double);\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestExtractSymlinks(t *testing.T) {
	data := writeTar(t, []tarEntry{
		{name: "usr/lib/libm.so.6", content: []byte("elf")},
		{name: "usr/lib/libm.so", typeflag: tar.TypeSymlink, linkname: "libm.so.6"},
	})
	path := writeArchiveFile(t, "sysroot.tar", data)

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	target, err := os.Readlink(filepath.Join(dest, "usr", "lib", "libm.so"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "libm.so.6" {
		t.Fatalf("link target = %q, want %q", target, "libm.so.6")
	}
}

func writeZipSymlink(t *testing.T, linkName, linkTarget string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: linkName}
	hdr.SetMode(fs.ModeSymlink | 0o777)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		t.Fatalf("CreateHeader() error = %v", err)
	}
	if _, err := w.Write([]byte(linkTarget)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return writeArchiveFile(t, "sysroot.zip", buf.Bytes())
}

func TestExtractZipSymlinks(t *testing.T) {
	path := writeZipSymlink(t, "usr/lib/libm.so", "libm.so.6")

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	target, err := os.Readlink(filepath.Join(dest, "usr", "lib", "libm.so"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "libm.so.6" {
		t.Fatalf("link target = %q, want %q", target, "libm.so.6")
	}
}

func TestExtractZipRejectsSymlinkEscape(t *testing.T) {
	tests := []struct {
		name       string
		linkTarget string
	}{
		{"relative escape", "../../outside"},
		{"absolute", "/etc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeZipSymlink(t, "link", tt.linkTarget)
			err := archive.New().Extract(context.Background(), path, t.TempDir())
			if !errors.Is(err, archive.ErrInsecurePath) {
				t.Fatalf("Extract() error = %v, want ErrInsecurePath", err)
			}
		})
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	path := writeArchiveFile(t, "sysroot.rar", []byte("Rar!"))
	err := archive.New().Extract(context.Background(), path, t.TempDir())
	if !errors.Is(err, archive.ErrUnsupportedFormat) {
		t.Fatalf("Extract() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExtractCorruptGzip(t *testing.T) {
	path := writeArchiveFile(t, "sysroot.tar.gz", []byte("not gzip at all"))
	if err := archive.New().Extract(context.Background(), path, t.TempDir()); err == nil {
		t.Fatal("Extract() expected error for corrupt archive")
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"dotdot", []tarEntry{{name: "../evil.txt", content: []byte("x")}}},
		{"nested dotdot", []tarEntry{{name: "ok/../../evil.txt", content: []byte("x")}}},
		{"absolute", []tarEntry{{name: "/etc/passwd", content: []byte("x")}}},
		{"symlink escape", []tarEntry{
			{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"},
		}},
		{"absolute symlink", []tarEntry{
			{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeArchiveFile(t, "evil.tar", writeTar(t, tt.entries))
			err := archive.New().Extract(context.Background(), path, t.TempDir())
			if !errors.Is(err, archive.ErrInsecurePath) {
				t.Fatalf("Extract() error = %v, want ErrInsecurePath", err)
			}
		})
	}
}

func TestExtractFileCountLimit(t *testing.T) {
	data := writeTar(t, []tarEntry{
		{name: "a", content: []byte("1")},
		{name: "b", content: []byte("2")},
		{name: "c", content: []byte("3")},
	})
	path := writeArchiveFile(t, "sysroot.tar", data)

	e := archive.New(archive.WithMaxFiles(2))
	err := e.Extract(context.Background(), path, t.TempDir())
	if !errors.Is(err, archive.ErrLimitExceeded) {
		t.Fatalf("Extract() error = %v, want ErrLimitExceeded", err)
	}
}

func TestExtractTotalSizeLimit(t *testing.T) {
	data := writeTar(t, []tarEntry{
		{name: "big", content: bytes.Repeat([]byte("x"), 1024)},
	})
	path := writeArchiveFile(t, "sysroot.tar", data)

	e := archive.New(archive.WithMaxTotalSize(512))
	err := e.Extract(context.Background(), path, t.TempDir())
	if !errors.Is(err, archive.ErrLimitExceeded) {
		t.Fatalf("Extract() error = %v, want ErrLimitExceeded", err)
	}
}

func TestExtractCanceledContext(t *testing.T) {
	path := writeArchiveFile(t, "sysroot.tar", writeTar(t, []tarEntry{
		{name: "f", content: []byte("x")},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := archive.New().Extract(ctx, path, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
}

func TestExtractGzipSuffixTgz(t *testing.T) {
	data := writeTar(t, []tarEntry{{name: "f", content: []byte("x")}})
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path := writeArchiveFile(t, "sysroot.tgz", buf.Bytes())

	dest := t.TempDir()
	if err := archive.New().Extract(context.Background(), path, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "f")); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
}

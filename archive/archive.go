// Package archive extracts sysroot archives into a destination directory.
//
// Format detection is by file name. Supported formats: tar, tar.gz/tgz,
// tar.xz, tar.zst, tar.bz2/tbz2, and zip. Extraction validates every entry
// path so a crafted archive cannot write outside the destination.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	// ErrUnsupportedFormat is returned when the archive file name does not
	// match any supported format.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrInsecurePath is returned when an archive entry would escape the
	// destination directory.
	ErrInsecurePath = errors.New("insecure path in archive")

	// ErrLimitExceeded is returned when an archive exceeds the configured
	// file-count or total-size limit.
	ErrLimitExceeded = errors.New("archive limit exceeded")
)

const (
	defaultMaxFiles     = 1 << 20  // 1M entries
	defaultMaxTotalSize = 64 << 30 // 64 GiB uncompressed
	defaultDirPerm      = os.FileMode(0o755)
)

// Extractor unpacks archives with entry validation and resource limits.
type Extractor struct {
	maxFiles     int
	maxTotalSize int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxFiles sets the maximum number of entries an archive may contain.
// Use 0 to disable the limit.
func WithMaxFiles(n int) Option {
	return func(e *Extractor) {
		e.maxFiles = n
	}
}

// WithMaxTotalSize sets the maximum uncompressed size an archive may expand
// to, in bytes. Use 0 to disable the limit.
func WithMaxTotalSize(n int64) Option {
	return func(e *Extractor) {
		e.maxTotalSize = n
	}
}

// New creates an Extractor with the given options.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		maxFiles:     defaultMaxFiles,
		maxTotalSize: defaultMaxTotalSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract unpacks the archive at path into dest, creating dest if needed.
// The format is detected from the file name.
func (e *Extractor) Extract(ctx context.Context, path, dest string) error {
	if err := os.MkdirAll(dest, defaultDirPerm); err != nil {
		return err
	}

	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".zip"):
		return e.extractZip(ctx, path, dest)
	case strings.HasSuffix(name, ".tar"):
		return e.withFile(ctx, path, dest, func(r io.Reader) (io.Reader, error) { return r, nil })
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return e.withFile(ctx, path, dest, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(name, ".tar.zst"):
		return e.withFile(ctx, path, dest, func(r io.Reader) (io.Reader, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		})
	case strings.HasSuffix(name, ".tar.xz"):
		return e.withFile(ctx, path, dest, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return e.withFile(ctx, path, dest, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// withFile opens the archive, wraps it in the decompressor, and extracts
// the resulting tar stream.
func (e *Extractor) withFile(ctx context.Context, path, dest string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := decompress(f)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	return e.extractTar(ctx, r, dest)
}

func (e *Extractor) extractTar(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)

	var (
		count     int
		totalSize int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		count++
		totalSize += hdr.Size
		if err := e.checkLimits(count, totalSize); err != nil {
			return err
		}

		target, err := secureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), defaultDirPerm); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := secureJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), defaultDirPerm); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			// Devices, fifos, and other special entries have no place in a
			// sysroot tree; skip them.
		}
	}
}

func (e *Extractor) extractZip(ctx context.Context, path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	var totalSize int64
	for i, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		totalSize += int64(zf.UncompressedSize64) //nolint:gosec // bounded by checkLimits
		if err := e.checkLimits(i+1, totalSize); err != nil {
			return err
		}

		target, err := secureJoin(dest, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirMode(zf.Mode())); err != nil {
				return err
			}
			continue
		}

		if zf.Mode()&fs.ModeSymlink != 0 {
			if err := e.extractZipSymlink(zf, dest, target); err != nil {
				return err
			}
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// extractZipSymlink creates a symlink from a zip entry whose contents hold
// the link target, applying the same escape checks as the tar path.
func (e *Extractor) extractZipSymlink(zf *zip.File, dest, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	linkTarget, err := io.ReadAll(io.LimitReader(rc, 4096))
	rc.Close()
	if err != nil {
		return err
	}
	if err := checkLinkTarget(dest, target, string(linkTarget)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), defaultDirPerm); err != nil {
		return err
	}
	return os.Symlink(string(linkTarget), target)
}

func (e *Extractor) checkLimits(count int, totalSize int64) error {
	if e.maxFiles > 0 && count > e.maxFiles {
		return fmt.Errorf("%w: more than %d entries", ErrLimitExceeded, e.maxFiles)
	}
	if e.maxTotalSize > 0 && totalSize > e.maxTotalSize {
		return fmt.Errorf("%w: uncompressed size exceeds %d bytes", ErrLimitExceeded, e.maxTotalSize)
	}
	return nil
}

// secureJoin joins an archive entry name onto dest, rejecting absolute
// names and any name that resolves outside dest.
func secureJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInsecurePath, name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes destination", ErrInsecurePath, name)
	}
	return filepath.Join(dest, cleaned), nil
}

// checkLinkTarget rejects symlinks whose target escapes the destination.
// Absolute targets are rejected outright; relative targets are resolved
// against the link's directory.
func checkLinkTarget(dest, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("%w: symlink target %q is absolute", ErrInsecurePath, target)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), filepath.FromSlash(target))
	rel, err := filepath.Rel(dest, resolved)
	if err != nil {
		return fmt.Errorf("%w: symlink target %q", ErrInsecurePath, target)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink target %q escapes destination", ErrInsecurePath, target)
	}
	return nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), defaultDirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, r) //nolint:gosec // size limits enforced by checkLimits
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(target)
		return copyErr
	}
	return nil
}

func dirMode(mode fs.FileMode) fs.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		perm = defaultDirPerm
	}
	// Directories need the owner execute bit to be traversable.
	return perm | 0o700
}

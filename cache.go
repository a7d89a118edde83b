package sysroot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/crosskit/sysroot/archive"
	"github.com/crosskit/sysroot/download"
)

// Downloader fetches a remote archive to a local file. Implementations must
// report failure via the returned error and may verify the expected digest
// while streaming; expected is empty when no verification is requested.
type Downloader interface {
	Download(ctx context.Context, url, dest string, expected digest.Digest, progress download.ProgressFunc) error
}

// Extractor unpacks an archive file into a destination directory. Format
// detection is the extractor's responsibility.
type Extractor interface {
	Extract(ctx context.Context, archivePath, dest string) error
}

const (
	sysrootsDirName    = "sysroots"
	downloadsDirName   = "downloads"
	tempPrefix         = "temp_"
	defaultArchiveName = "sysroot.tar.gz"
	dirPerm            = 0o755
)

// Cache materializes sysroots into a directory tree keyed by
// (target, version). The directory tree is the only persisted state: the
// presence of "<target>-<version>/" under the cache directory is the sole
// source of truth for whether a sysroot is cached.
type Cache struct {
	dir        string // <root>/sysroots
	downloader Downloader
	extractor  Extractor
	logger     *slog.Logger
	flight     singleflight.Group
}

// New creates a Cache rooted at dir, ensuring the sysroots and download
// staging directories exist. Construction is idempotent over an existing
// cache tree.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir: filepath.Join(dir, sysrootsDirName),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.downloader == nil {
		c.downloader = download.New()
	}
	if c.extractor == nil {
		c.extractor = archive.New()
	}
	if err := os.MkdirAll(filepath.Join(c.dir, downloadsDirName), dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the sysroots directory the cache operates on.
func (c *Cache) Dir() string {
	return c.dir
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Fetch returns the path of the materialized sysroot for spec, downloading,
// verifying, extracting, and installing it first if it is not already
// cached. A cache hit costs one stat and performs no network traffic.
//
// Concurrent Fetch calls for the same key within this process share one
// materialization. That includes [WithForce]: a forced call that arrives
// while a materialization for the key is already in flight joins it and
// returns its result instead of starting a second download. On failure the
// cache is left in the state it was in before the call: a fresh key stays
// absent and a forced refresh restores the previous entry.
func (c *Cache) Fetch(ctx context.Context, spec Spec, opts ...FetchOption) (string, error) {
	cfg := fetchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := spec.Key()
	entryDir := filepath.Join(c.dir, key)

	if !cfg.force {
		if _, err := os.Stat(entryDir); err == nil {
			c.log().Debug("cache hit", "key", key)
			return entryDir, nil
		}
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.materialize(ctx, spec, cfg)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) materialize(ctx context.Context, spec Spec, cfg fetchConfig) (string, error) {
	entryDir := filepath.Join(c.dir, spec.Key())

	// Another coalesced caller may have finished the work already.
	if !cfg.force {
		if _, err := os.Stat(entryDir); err == nil {
			return entryDir, nil
		}
	}

	// The staged archive is keyed by entry, not just by URL basename, so
	// concurrent fetches of different keys never share a staging file.
	archivePath := filepath.Join(c.dir, downloadsDirName, spec.Key()+"-"+archiveName(spec.URL))

	var expected digest.Digest
	if spec.Hash != "" {
		expected = digest.NewDigestFromEncoded(digest.SHA256, spec.Hash)
	}

	c.log().Info("materializing sysroot", "key", spec.Key(), "url", spec.URL)
	if err := c.downloader.Download(ctx, spec.URL, archivePath, expected, cfg.progress); err != nil {
		_ = os.Remove(archivePath)
		return "", fmt.Errorf("%w: fetch %s: %w", ErrDownload, spec.URL, err)
	}
	defer func() {
		_ = os.Remove(archivePath)
	}()

	if spec.Hash != "" {
		if err := verifyFile(archivePath, spec.Hash); err != nil {
			return "", err
		}
	}

	tempDir, err := os.MkdirTemp(c.dir, tempPrefix+spec.Target+"_"+spec.Version+"_")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	c.log().Debug("extracting archive", "archive", archivePath, "workspace", tempDir)
	if err := c.extractor.Extract(ctx, archivePath, tempDir); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	sourceDir := tempDir
	if spec.ExtractPath != "" {
		sourceDir = filepath.Join(tempDir, filepath.FromSlash(spec.ExtractPath))
		info, err := os.Stat(sourceDir)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: extract path not found in archive: %s", ErrExtraction, spec.ExtractPath)
		}
	}

	if err := c.install(sourceDir, entryDir); err != nil {
		return "", fmt.Errorf("%w: install %s: %w", ErrExtraction, spec.Key(), err)
	}

	c.log().Info("sysroot ready", "key", spec.Key(), "path", entryDir)
	return entryDir, nil
}

// install moves the extracted sysroot root into its cache entry directory
// with a rename, so the entry is never observable half-populated. An
// existing entry (forced refresh) is snapshotted aside first and restored
// if the rename fails.
func (c *Cache) install(sourceDir, entryDir string) error {
	var saved string
	if _, err := os.Stat(entryDir); err == nil {
		aside, err := os.MkdirTemp(c.dir, tempPrefix+"prev_")
		if err != nil {
			return err
		}
		// Reserve the unique name, then take it over with the rename.
		if err := os.Remove(aside); err != nil {
			return err
		}
		if err := os.Rename(entryDir, aside); err != nil {
			return err
		}
		saved = aside
	}

	if err := os.Rename(sourceDir, entryDir); err != nil {
		_ = os.RemoveAll(entryDir)
		if saved != "" {
			_ = os.Rename(saved, entryDir)
		}
		return err
	}

	if saved != "" {
		_ = os.RemoveAll(saved)
	}
	return nil
}

// Path returns the directory of a cached sysroot and whether it exists.
// It never performs network or write operations.
func (c *Cache) Path(target, version string) (string, bool) {
	p := filepath.Join(c.dir, Spec{Target: target, Version: version}.Key())
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// List returns the keys of all cached sysroots in ascending lexicographic
// order. The download staging area and leftover temp workspaces are
// excluded.
func (c *Cache) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || isInternalName(entry.Name()) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

// Remove deletes the cache entry for (target, version) and reports whether
// it existed. Removing an absent entry is not an error.
func (c *Cache) Remove(target, version string) (bool, error) {
	p := filepath.Join(c.dir, Spec{Target: target, Version: version}.Key())
	if _, err := os.Stat(p); err != nil {
		return false, nil
	}
	if err := os.RemoveAll(p); err != nil {
		return false, err
	}
	c.log().Debug("removed sysroot", "key", target+"-"+version)
	return true, nil
}

// SizeBytes returns the total size of all cached sysroots in bytes,
// excluding the download staging area. Files that cannot be read are
// skipped rather than failing the computation.
func (c *Cache) SizeBytes() (int64, error) {
	keys, err := c.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		total += dirSize(filepath.Join(c.dir, key))
	}
	return total, nil
}

// Clear removes every cached sysroot and returns the number removed.
func (c *Cache) Clear() (int, error) {
	keys, err := c.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if err := os.RemoveAll(filepath.Join(c.dir, key)); err != nil {
			return count, err
		}
		count++
	}
	c.log().Debug("cleared cache", "removed", count)
	return count, nil
}

// isInternalName reports whether a directory under the cache root is cache
// machinery rather than an entry.
func isInternalName(name string) bool {
	return name == downloadsDirName || strings.HasPrefix(name, tempPrefix)
}

// dirSize sums the sizes of regular files under root, skipping anything
// unreadable.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished or unreadable, skip it
		}
		total += info.Size()
		return nil
	})
	return total
}

// archiveName derives the staging file name from the final path segment of
// the URL, falling back to a default name when the URL has no usable one.
func archiveName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return defaultArchiveName
	}
	return name
}

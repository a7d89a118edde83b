package sysroot

import (
	"errors"
	"log/slog"
)

// Option configures a Cache.
type Option func(*Cache) error

// WithDownloader sets the transport used to fetch archives. The default is
// the HTTP(S) downloader from the download subpackage.
func WithDownloader(d Downloader) Option {
	return func(c *Cache) error {
		if d == nil {
			return errors.New("downloader is nil")
		}
		c.downloader = d
		return nil
	}
}

// WithExtractor sets the archive extractor. The default handles tar,
// tar.gz, tar.xz, tar.zst, tar.bz2, and zip archives.
func WithExtractor(e Extractor) Option {
	return func(c *Cache) error {
		if e == nil {
			return errors.New("extractor is nil")
		}
		c.extractor = e
		return nil
	}
}

// WithLogger sets the logger for cache operations. Logging is disabled by
// default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		c.logger = logger
		return nil
	}
}

// FetchOption configures a single Fetch call.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	force    bool
	progress ProgressFunc
}

// WithForce refreshes the entry even if it is already materialized,
// re-downloading and reinstalling it in place.
func WithForce() FetchOption {
	return func(cfg *fetchConfig) {
		cfg.force = true
	}
}

// WithProgress registers a callback for download progress updates. The
// callback may be invoked zero or more times; the final invocation reflects
// completion.
func WithProgress(fn ProgressFunc) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.progress = fn
	}
}

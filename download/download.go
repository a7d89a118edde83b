// Package download fetches sysroot archives over HTTP(S).
//
// Downloader streams a remote archive to a local file with retry, resume,
// throttled progress reporting, and optional digest verification during
// transfer.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

// ProgressFunc receives progress updates during a download.
// downloaded is the number of bytes written so far; total is the expected
// content length, or 0 when the server does not report one. The final call
// reflects completion.
type ProgressFunc func(downloaded, total int64)

// ErrDigestMismatch is returned when streamed content does not match the
// expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

const (
	defaultRetries   = 3
	defaultBackoff   = time.Second
	defaultUserAgent = "sysroot-cache/1.0"
	progressInterval = 500 * time.Millisecond
	copyBufferSize   = 32 * 1024
)

// Downloader fetches URLs to local files over HTTP(S).
type Downloader struct {
	client    *http.Client
	retries   int
	backoff   time.Duration
	userAgent string
	headers   http.Header
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithRetries sets the number of attempts made before giving up.
// Values below 1 are treated as 1.
func WithRetries(n int) Option {
	return func(d *Downloader) {
		d.retries = n
	}
}

// WithBackoff sets the base delay between retry attempts. The delay doubles
// after each failed attempt.
func WithBackoff(base time.Duration) Option {
	return func(d *Downloader) {
		d.backoff = base
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(d *Downloader) {
		if d.headers == nil {
			d.headers = make(http.Header)
		}
		d.headers.Set(key, value)
	}
}

// New creates a Downloader with the given options.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:    http.DefaultClient,
		retries:   defaultRetries,
		backoff:   defaultBackoff,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.retries < 1 {
		d.retries = 1
	}
	return d
}

// Download fetches url into dest, creating parent directories as needed.
//
// When expected is non-empty the content is hashed while streaming and the
// partial file is removed on mismatch, returning an error wrapping
// [ErrDigestMismatch]. A partial file left by a failed attempt is resumed
// with a Range request on the next attempt; the already-written prefix is
// re-hashed so verification still covers the whole content. Transport and
// server (5xx) failures are retried with exponential backoff.
func (d *Downloader) Download(ctx context.Context, url, dest string, expected digest.Digest, progress ProgressFunc) error {
	if url == "" {
		return errors.New("url is empty")
	}
	if dest == "" {
		return errors.New("destination is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < d.retries; attempt++ {
		if attempt > 0 {
			delay := d.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := d.fetch(ctx, url, dest, expected, progress)
		if err == nil {
			return nil
		}
		// Mismatch and cancellation are not transient; don't retry them.
		if errors.Is(err, ErrDigestMismatch) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("download failed after %d attempts: %w", d.retries, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, url, dest string, expected digest.Digest, progress ProgressFunc) error {
	var verifier digest.Verifier
	if expected != "" {
		verifier = expected.Verifier()
	}

	// Resume from a partial file if one exists, feeding the existing bytes
	// to the verifier first so the final hash covers the full content.
	var offset int64
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		offset = info.Size()
		if verifier != nil {
			if err := hashExisting(dest, verifier); err != nil {
				// Unreadable partial file: start over.
				_ = os.Remove(dest)
				offset = 0
				verifier = expected.Verifier()
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for key, values := range d.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	mode := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		mode |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the Range header; rewrite from scratch.
		if offset > 0 {
			offset = 0
			if verifier != nil {
				verifier = expected.Verifier()
			}
		}
		mode |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		// Offset at or past EOF, typically a fully-downloaded partial file.
		// Restart clean rather than guessing.
		_ = os.Remove(dest)
		return fmt.Errorf("get %s: %s", url, resp.Status)
	default:
		return fmt.Errorf("get %s: %s", url, resp.Status)
	}

	total := int64(0)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	f, err := os.OpenFile(dest, mode, 0o644)
	if err != nil {
		return err
	}

	written, copyErr := copyWithProgress(ctx, f, resp.Body, verifier, offset, total, progress)
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return copyErr
	}

	if verifier != nil && !verifier.Verified() {
		_ = os.Remove(dest)
		return fmt.Errorf("%w: %s does not match %s", ErrDigestMismatch, url, expected)
	}

	if progress != nil {
		progress(written, total)
	}
	return nil
}

// copyWithProgress streams body into f, updating the verifier and invoking
// progress at most once per progressInterval.
func copyWithProgress(ctx context.Context, f *os.File, body io.Reader, verifier digest.Verifier, offset, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, copyBufferSize)
	written := offset
	lastReport := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, werr
			}
			if verifier != nil {
				if _, verr := verifier.Write(buf[:n]); verr != nil {
					return written, verr
				}
			}
			written += int64(n)
			if progress != nil && time.Since(lastReport) >= progressInterval {
				progress(written, total)
				lastReport = time.Now()
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// hashExisting feeds the current contents of path to the verifier.
func hashExisting(path string, verifier digest.Verifier) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(verifier, f)
	return err
}

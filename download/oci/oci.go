// Package oci fetches sysroot archives published as OCI artifacts.
//
// Downloader resolves a registry reference ("oci://ghcr.io/org/sysroots:v1"
// or a plain "host/repo:tag"), fetches the manifest, and streams the archive
// layer to a local file with digest verification.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/crosskit/sysroot/download"
)

// Scheme is the URL scheme that selects this transport.
const Scheme = "oci://"

var (
	// ErrNoLayers is returned when the manifest has no layers to download.
	ErrNoLayers = errors.New("manifest has no layers")

	// ErrLayerNotFound is returned when no layer matches the expected digest.
	ErrLayerNotFound = errors.New("no layer matches expected digest")
)

const defaultUserAgent = "sysroot-cache/1.0"

// Downloader fetches archive layers from OCI registries.
type Downloader struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool
	credStore  credentials.Store
	authClient *auth.Client
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithPlainHTTP enables plain HTTP (no TLS) for registries. Useful for
// local development registries.
func WithPlainHTTP(enabled bool) Option {
	return func(d *Downloader) {
		d.plainHTTP = enabled
	}
}

// WithDockerConfig enables reading credentials from ~/.docker/config.json.
// If the docker config cannot be loaded, the downloader falls back to
// anonymous access.
func WithDockerConfig() Option {
	return func(d *Downloader) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		d.credStore = store
	}
}

// WithStaticCredentials sets username/password credentials for a registry
// host (e.g. "ghcr.io").
func WithStaticCredentials(registry, username, password string) Option {
	return func(d *Downloader) {
		d.credStore = &staticStore{
			registry: registry,
			cred: auth.Credential{
				Username: username,
				Password: password,
			},
		}
	}
}

// WithAnonymous forces anonymous access, ignoring any configured
// credentials.
func WithAnonymous() Option {
	return func(d *Downloader) {
		d.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// New creates a Downloader with the given options.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.authClient = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if d.anonymous || d.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return d.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{d.userAgent},
		},
	}
	return d
}

// Download fetches the archive layer of the artifact at url into dest.
//
// When expected is non-empty the layer whose digest matches it is selected
// and verified while streaming; otherwise the first layer is used. progress
// receives the layer size as the total.
func (d *Downloader) Download(ctx context.Context, url, dest string, expected digest.Digest, progress download.ProgressFunc) error {
	ref := strings.TrimPrefix(url, Scheme)

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return fmt.Errorf("parse reference %q: %w", ref, err)
	}
	repo.PlainHTTP = d.plainHTTP
	repo.Client = d.authClient

	manifest, err := d.fetchManifest(ctx, repo)
	if err != nil {
		return err
	}

	layer, err := selectLayer(manifest, expected)
	if err != nil {
		return err
	}

	return d.fetchLayer(ctx, repo, layer, dest, progress)
}

func (d *Downloader) fetchManifest(ctx context.Context, repo *remote.Repository) (*ocispec.Manifest, error) {
	desc, rc, err := repo.FetchReference(ctx, repo.Reference.Reference)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", repo.Reference, err)
	}
	defer rc.Close()

	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// selectLayer picks the layer to download: the one matching the expected
// digest when given, the first layer otherwise.
func selectLayer(manifest *ocispec.Manifest, expected digest.Digest) (ocispec.Descriptor, error) {
	if len(manifest.Layers) == 0 {
		return ocispec.Descriptor{}, ErrNoLayers
	}
	if expected == "" {
		return manifest.Layers[0], nil
	}
	for _, layer := range manifest.Layers {
		if layer.Digest == expected {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrLayerNotFound, expected)
}

func (d *Downloader) fetchLayer(ctx context.Context, repo *remote.Repository, layer ocispec.Descriptor, dest string, progress download.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := repo.Blobs().Fetch(ctx, layer)
	if err != nil {
		return fmt.Errorf("fetch layer %s: %w", layer.Digest, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	verifier := layer.Digest.Verifier()
	written, copyErr := copyLayer(ctx, f, io.TeeReader(rc, verifier), layer.Size, progress)
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dest)
		return copyErr
	}

	if !verifier.Verified() {
		_ = os.Remove(dest)
		return fmt.Errorf("%w: layer %s", download.ErrDigestMismatch, layer.Digest)
	}

	if progress != nil {
		progress(written, layer.Size)
	}
	return nil
}

func copyLayer(ctx context.Context, w io.Writer, r io.Reader, total int64, progress download.ProgressFunc) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
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

// staticStore implements credentials.Store for a single static credential.
type staticStore struct {
	registry string
	cred     auth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if serverAddress == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("static credential store is read-only")
}

func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("static credential store is read-only")
}

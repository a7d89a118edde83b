package sysroot

// Spec describes a sysroot to materialize. It is pure data: constructing a
// Spec never touches the filesystem or the network.
type Spec struct {
	// Target identifies the platform, e.g. "android-arm64" or
	// "raspberry-pi-armv7". An empty string is legal but produces a
	// degenerate cache key; callers are responsible for avoiding
	// collisions.
	Target string `yaml:"target"`

	// Version is the sysroot version tag.
	Version string `yaml:"version"`

	// URL locates the sysroot archive. The scheme selects the transport:
	// http/https URLs go through the HTTP downloader, anything else through
	// whatever Downloader the cache was configured with.
	URL string `yaml:"url"`

	// Hash is the expected hex-encoded SHA-256 digest of the archive.
	// When empty, verification is skipped.
	Hash string `yaml:"hash"`

	// ExtractPath optionally names a subtree of the extracted archive
	// (slash-separated, e.g. "sdk/sysroot") that is the true sysroot root.
	// Empty means the archive root itself is the sysroot.
	ExtractPath string `yaml:"extract_path,omitempty"`
}

// Key returns the cache entry identity for the spec: "<target>-<version>".
// Two specs with equal keys occupy the same cache slot regardless of URL,
// Hash, or ExtractPath.
func (s Spec) Key() string {
	return s.Target + "-" + s.Version
}

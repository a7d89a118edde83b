// Package sysroot downloads, verifies, extracts, and caches target-platform
// root filesystems (sysroots) used for cross-compilation.
//
// A sysroot is described by a [Spec]: where to download the archive from,
// the expected SHA-256 content digest, and optionally which subtree of the
// extracted archive is the actual sysroot root (nested SDK layouts such as
// "sdk/sysroot"). The [Cache] owns an on-disk directory keyed by
// (target, version) and materializes each sysroot at most once:
//
//	c, err := sysroot.New(cacheDir)
//	if err != nil {
//	    return err
//	}
//	path, err := c.Fetch(ctx, sysroot.Spec{
//	    Target:  "android-arm64",
//	    Version: "21",
//	    URL:     "https://example.com/ndk-sysroot.tar.gz",
//	    Hash:    "3a7bd3e2360a...",
//	})
//
// Repeated Fetch calls for an already-materialized sysroot return the cached
// path without any network traffic. Use [WithForce] to refresh an entry in
// place.
//
// # Transports
//
// Archives are fetched through the [Downloader] interface. The default is
// the HTTP(S) transport from the [github.com/crosskit/sysroot/download]
// subpackage; an OCI registry transport lives in
// [github.com/crosskit/sysroot/download/oci]. Extraction goes through the
// [Extractor] interface, implemented for tar, tar.gz, tar.xz, tar.zst,
// tar.bz2, and zip archives by the
// [github.com/crosskit/sysroot/archive] subpackage.
//
// # Failure taxonomy
//
// All failures wrap the base sentinel [Err]; [ErrDownload],
// [ErrVerification], and [ErrExtraction] identify the failing stage so
// callers can branch with errors.Is. The triggering cause is always
// preserved in the chain.
//
// # Concurrency
//
// Concurrent Fetch calls for the same (target, version) key within one
// process are coalesced into a single materialization. Concurrent
// materialization of the same key from multiple processes is not
// coordinated; callers that need it must serialize externally.
package sysroot

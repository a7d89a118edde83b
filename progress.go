package sysroot

import "github.com/crosskit/sysroot/download"

// ProgressFunc receives progress updates while an archive downloads.
// Re-exported from the download package so callers of [Cache.Fetch] don't
// need a second import.
type ProgressFunc = download.ProgressFunc

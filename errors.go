package sysroot

import "errors"

// Err is the base sentinel for all sysroot management failures. Every error
// returned by [Cache.Fetch] wraps it, so errors.Is(err, sysroot.Err) catches
// the whole taxonomy.
var Err = errors.New("sysroot")

var (
	// ErrDownload is returned when the transport fails to fetch the archive:
	// network errors, timeouts, and digest mismatches detected during
	// transfer.
	ErrDownload = stage("download failed")

	// ErrVerification is returned when the staged archive does not match the
	// digest in the spec.
	ErrVerification = stage("verification failed")

	// ErrExtraction is returned when the archive cannot be unpacked, the
	// configured extract path is missing from it, or the extracted tree
	// cannot be installed into the cache.
	ErrExtraction = stage("extraction failed")
)

// stage builds a sentinel chained onto Err so both the broad and the narrow
// errors.Is checks succeed.
func stage(msg string) error {
	return &stageError{msg: msg}
}

type stageError struct {
	msg string
}

func (e *stageError) Error() string { return "sysroot: " + e.msg }
func (e *stageError) Unwrap() error { return Err }

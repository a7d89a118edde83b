package sysroot

import (
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// verifyFile checks the file at path against the hex-encoded SHA-256 digest.
// Returns an error wrapping ErrVerification on mismatch or if the expected
// digest is malformed.
func verifyFile(path, expectedHex string) error {
	expected := digest.NewDigestFromEncoded(digest.SHA256, expectedHex)
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("%w: invalid expected digest %q: %v", ErrVerification, expectedHex, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if actual := digester.Digest(); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrVerification, expected, actual)
	}
	return nil
}

package weights

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
)

// ComputeChecksum returns the SHA-256 of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ComputeChecksumReader returns the SHA-256 of everything read from r.
func ComputeChecksumReader(r io.Reader) ([32]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute checksum: %w", err)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ValidateChecksum compares two checksums in constant time.
func ValidateChecksum(expected, actual [32]byte) error {
	if subtle.ConstantTimeCompare(expected[:], actual[:]) != 1 {
		return fmt.Errorf("%w: expected %x, got %x", ErrChecksumMismatch, expected[:8], actual[:8])
	}
	return nil
}

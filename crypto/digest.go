package crypto

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NewDigest returns a BLAKE2b-256 hash for streaming checksums.
func NewDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only a key longer than 64 bytes fails, and no key is used.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	return h
}

// Checksum hashes everything read from r and returns the lowercase hex digest.
func Checksum(r io.Reader) (string, error) {
	h := NewDigest()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return SumHex(h), nil
}

// ChecksumBytes returns the hex BLAKE2b-256 digest of data.
func ChecksumBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumHex returns the current digest of h as lowercase hex.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ShortFingerprint formats the leading 16 hex characters of a digest for display.
func ShortFingerprint(digest string) string {
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return FormatFingerprint(digest)
}

// FormatFingerprint formats a hex digest in grouped uppercase blocks.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

package memori

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the deduplication key for a set of defining terms:
// the SHA-256 hex digest of the lowercased, alphanumeric-only concatenation
// of the terms. Returns "" when the normalized input is empty, so callers
// can skip rows that carry no identity.
func Fingerprint(terms ...string) string {
	var b strings.Builder
	for _, term := range terms {
		for _, r := range strings.ToLower(term) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
	}
	if b.Len() == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

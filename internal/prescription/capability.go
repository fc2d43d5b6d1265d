package prescription

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Access codes and secrets are 256 bit capabilities rendered as 64 lowercase
// hex digits. Possession of the string is the capability, so comparisons
// must not leak timing.

var kvnrPattern = regexp.MustCompile(`^[A-Z]\d{9}$`)

// NewCapabilityCode mints a fresh 256 bit capability string.
func NewCapabilityCode() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// CapabilityEqual compares two capability strings in constant time. An
// absent capability never matches anything, including another absent one.
func CapabilityEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidKVNR reports whether s is a well-formed patient insurance identifier.
func ValidKVNR(s string) bool {
	return kvnrPattern.MatchString(s)
}

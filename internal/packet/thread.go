package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeterministicThreadID derives a stable thread id from a business key.
// Identical parts always yield the same id, independent of call order or
// time, so repeated submissions of the same logical conversation converge
// onto one thread. Example key: ("slack", "T123", "C456#1234567890.1").
func DeterministicThreadID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return "thr_" + hex.EncodeToString(sum[:16])
}

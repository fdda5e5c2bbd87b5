package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the lowercase hex SHA-256 digest of b, used both for
// subscription result-change suppression and (conceptually, server-side) for
// the trigger's oversized-value degradation.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

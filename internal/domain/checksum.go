package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentChecksum returns the hex SHA-256 digest of buf.
func ContentChecksum(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

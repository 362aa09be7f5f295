package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashURL returns a stable key for the url, safe to use as a cache key or a file name part.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

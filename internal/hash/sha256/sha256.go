// Package sha256 fingerprints scanned page bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
)

// Hasher returns lowercase hex SHA-256 digests. The zero value is ready.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher { return &Hasher{} }

// Hash never fails; the error satisfies scan.Hasher.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShardedPath names a content-addressed snapshot prefix/host/digest.ext.
// Empty segments are skipped.
func ShardedPath(prefix, host, digest, ext string) string {
	if ext != "" {
		digest += "." + ext
	}
	return path.Join(prefix, host, digest)
}

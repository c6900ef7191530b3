// Package checksum computes digests used to tell whether a remote record
// differs from the local entity it mirrors.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/starford/jobtrail/internal/entity"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Payload digests the canonical form of a payload, so that field order and
// defaulted fields do not register as a change.
func Payload(kind entity.Kind, payload []byte) (string, error) {
	canon, err := entity.Canonical(kind, payload)
	if err != nil {
		return "", err
	}
	return Sum(canon), nil
}

// Entity digests an entity's synced fields.
func Entity(e entity.Entity) (string, error) {
	data, err := entity.Encode(e)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

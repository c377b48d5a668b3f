// Package seedhash computes the Delta Table's seed_hash field (spec §4.6.6):
// a compact, collision-resistant key used to confirm a redirect slot belongs
// to the anchor a reader expects, without storing the full 128-bit seed_id
// in every probe. It is keyed per-volume (generated at mount) purely to
// spread hash values across mounts — this is not a confidentiality
// mechanism, and the key is never derived from or protects payload data,
// consistent with the Non-goal excluding cryptographic confidentiality of
// payloads.
package seedhash

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	uuid "github.com/satori/go.uuid"
)

// KeySize is the size of the per-volume keying material.
const KeySize = 32

// Hasher computes seed_hash values for one mounted volume.
type Hasher struct {
	key [KeySize]byte
}

// NewHasher builds a Hasher from per-volume keying material. Callers
// normally derive key from hal.Device.GetRandomU64 at mount time.
func NewHasher(key [KeySize]byte) *Hasher {
	return &Hasher{key: key}
}

// Of returns the 64-bit seed_hash for the given seed_id.
func (h *Hasher) Of(seedID uuid.UUID) uint64 {
	mac, err := blake2b.New(8, h.key[:])
	if err != nil {
		// blake2b.New only fails for an out-of-range size or key; both are
		// fixed constants here, so this is unreachable in practice.
		panic("seedhash: blake2b init: " + err.Error())
	}
	b := seedID.Bytes()
	mac.Write(b)
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum)
}

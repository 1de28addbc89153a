package experiments

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// Bucket deterministically maps (user, experiment, version) to [0,100).
//
// The hash is SHA-256 over the concatenation of the three inputs, taking
// the first four digest bytes as a big-endian integer modulo 100. SHA-256
// is stable across process restarts and replicas and uniform over the
// bucket space; the version in the input means publishing a new
// experiment version intentionally reshuffles membership, while an
// unchanged version keeps every user's bucket fixed with no coordination.
// The algorithm is frozen: changing it would silently reassign all users.
func Bucket(userID, experimentKey string, version int64) int {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte(experimentKey))
	h.Write([]byte(strconv.FormatInt(version, 10)))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}

// pick maps a bucket to a variant by cumulative weight ranges, evaluated
// in declared variant order. With weights A=80, B=20 variant A owns
// [0,80) and B owns [80,100).
func pick(variants []Variant, bucket int) *Variant {
	cumulative := 0
	for i := range variants {
		cumulative += variants[i].Weight
		if bucket < cumulative {
			return &variants[i]
		}
	}
	// Unreachable when weights sum to 100; guard for unvalidated data.
	if len(variants) > 0 {
		return &variants[len(variants)-1]
	}
	return nil
}

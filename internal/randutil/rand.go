// Package randutil centralises randomness: deterministic streams for
// training shuffles and synthetic data, and unpredictable session seeds.
package randutil

import (
	crand "crypto/rand"
	"encoding/binary"
	rand "math/rand/v2"
)

const goldenRatio64 = 0x9e3779b97f4a7c15

// New returns a *rand.Rand seeded deterministically from a single int64.
// rand/v2's PCG wants two 64-bit seeds; deriving both through a finalizing
// mix keeps nearby input seeds from producing correlated streams.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

// SessionSeed returns a uniformly random 32-bit game seed. Session seeds
// must be unpredictable to the client even though the stream the client
// derives from them is weak, so these come from crypto/rand rather than a
// PCG.
func SessionSeed() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// mix is a splitmix64-style finalizer.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Package rand generates request identifiers for RPC correlation.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	mu  sync.Mutex
	rng = newRNG()
)

func newRNG() *rand.Rand {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("unreachable")
	}
	//nolint:gosec // request IDs are correlation handles, not secrets
	return rand.New(rand.NewSource(int64(
		binary.LittleEndian.Uint64(seed[:8]) ^
			binary.LittleEndian.Uint64(seed[8:]),
	)))
}

// NewRequestID returns a random base62 string of the given length. The
// distribution is slightly non-uniform, which is acceptable for correlation
// identifiers.
func NewRequestID(length int) string {
	buf := make([]byte, length)

	mu.Lock()
	for i := range buf {
		buf[i] = charset[rng.Intn(len(charset))]
	}
	mu.Unlock()

	return string(buf)
}

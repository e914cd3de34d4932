// Package hash implements the two bucketing hash functions used by the
// backend: the pre-murmur legacy checksum and murmur3 x86 32-bit. Both must
// stay bit-exact with every other SDK; cross-SDK vectors live in the tests.
package hash

import (
	"github.com/spaolacci/murmur3"
)

// Legacy hashes unicode code points with java-style 31x accumulation on a
// wrapping signed 32-bit register, then folds in the seed. The result may be
// negative.
func Legacy(key string, seed int64) int64 {
	var h int32
	for _, r := range key {
		h = 31*h + int32(r)
	}
	return int64(h ^ int32(seed))
}

// Murmur3_32 hashes the UTF-8 bytes of key with murmur3 x86 32-bit. Negative
// seeds are reinterpreted as their unsigned two's complement. The result is
// always in [0, 2^32).
func Murmur3_32(key string, seed int64) int64 {
	return int64(murmur3.Sum32WithSeed([]byte(key), uint32(seed)))
}

// Bucket maps a hash value onto 1..100.
func Bucket(hashedKey int64) int {
	if hashedKey < 0 {
		hashedKey = -hashedKey
	}
	return int(hashedKey%100) + 1
}

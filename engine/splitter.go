// Package engine evaluates compiled feature flags: hashing keys into
// buckets, resolving partitions and walking targeting rules.
package engine

import (
	"github.com/splitio/go-client/engine/grammar"
	"github.com/splitio/go-client/engine/hash"
)

// Bucket hashes a bucketing key into 1..100 with the flag's algorithm.
func Bucket(bucketingKey string, seed int64, algo int) int {
	var hashed int64
	switch algo {
	case grammar.SplitAlgoMurmur:
		hashed = hash.Murmur3_32(bucketingKey, seed)
	default:
		hashed = hash.Legacy(bucketingKey, seed)
	}
	return hash.Bucket(hashed)
}

// GetTreatment assigns a bucketing key to one of the partitions. A single
// full-size partition short-circuits without hashing. An empty or
// non-covering partition list returns "" and the caller maps that to
// control; it cannot happen when sizes sum to 100.
func GetTreatment(bucketingKey string, seed int64, partitions []grammar.Partition, algo int) string {
	if len(partitions) == 1 && partitions[0].Size == 100 {
		return partitions[0].Treatment
	}
	bucket := Bucket(bucketingKey, seed, algo)
	covered := 0
	for _, partition := range partitions {
		covered += partition.Size
		if covered >= bucket {
			return partition.Treatment
		}
	}
	return ""
}

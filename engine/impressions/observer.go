// Package impressions implements the impression post-processing modes:
// dedup observation, per-feature counting and unique-key tracking.
package impressions

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/splitio/go-client/dtos"
)

// Observer cache size. At one entry per (key, feature, treatment, label, cn)
// tuple this covers an hour of dedup for most workloads.
const observerCacheSize = 500000

// Observer remembers when each distinct impression was last seen, backing
// the previous-time stamping and OPTIMIZED-mode dedup.
type Observer struct {
	cache *lru.Cache[uint64, int64]
}

// NewObserver builds an observer with the default cache size.
func NewObserver() (*Observer, error) {
	cache, err := lru.New[uint64, int64](observerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Observer{cache: cache}, nil
}

// TestAndSet records the impression's time and returns the previous time
// seen for the same tuple, or 0 on first sight.
func (o *Observer) TestAndSet(impression *dtos.Impression) int64 {
	key := impressionHash(impression)
	previous, _ := o.cache.Get(key)
	o.cache.Add(key, impression.Time)
	return previous
}

func impressionHash(impression *dtos.Impression) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(impression.KeyName)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(impression.FeatureName)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(impression.Treatment)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(impression.Label)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(strconv.FormatInt(impression.ChangeNumber, 10))
	return digest.Sum64()
}

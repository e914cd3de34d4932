package impressions

import (
	"sync"

	"github.com/willf/bloom"

	"github.com/splitio/go-client/dtos"
)

// Bloom filter sizing for the unique-keys tracker. The filter soaks up the
// bulk of repeated (feature, key) sightings so the exact sets stay small.
const (
	uniquesExpectedElements  = 30000
	uniquesFalsePositiveRate = 0.01
)

// UniqueKeysTracker records the distinct matching keys seen per feature in
// NONE impressions mode. A bloom filter front-stops duplicates; first
// sightings land in exact per-feature sets that the flusher drains.
type UniqueKeysTracker struct {
	mtx    sync.Mutex
	filter *bloom.BloomFilter
	seen   map[string]map[string]struct{}
}

// NewUniqueKeysTracker builds an empty tracker.
func NewUniqueKeysTracker() *UniqueKeysTracker {
	m, k := bloom.EstimateParameters(uniquesExpectedElements, uniquesFalsePositiveRate)
	return &UniqueKeysTracker{
		filter: bloom.New(m, k),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Track records one (feature, key) sighting. Returns true when the sighting
// is new for the current filter window.
func (t *UniqueKeysTracker) Track(feature string, key string) bool {
	composite := []byte(feature + "::" + key)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.filter.Test(composite) {
		return false
	}
	t.filter.Add(composite)
	keys, ok := t.seen[feature]
	if !ok {
		keys = make(map[string]struct{})
		t.seen[feature] = keys
	}
	keys[key] = struct{}{}
	return true
}

// PopAll drains the exact sets into their wire form. The bloom filter keeps
// its state; ClearFilter resets it on its own cadence.
func (t *UniqueKeysTracker) PopAll() *dtos.UniqueKeysDTO {
	t.mtx.Lock()
	seen := t.seen
	t.seen = make(map[string]map[string]struct{})
	t.mtx.Unlock()

	out := &dtos.UniqueKeysDTO{Keys: make([]dtos.UniqueKeysFeatureDTO, 0, len(seen))}
	for feature, keys := range seen {
		names := make([]string, 0, len(keys))
		for key := range keys {
			names = append(names, key)
		}
		out.Keys = append(out.Keys, dtos.UniqueKeysFeatureDTO{Feature: feature, Keys: names})
	}
	return out
}

// ClearFilter resets the bloom filter, opening a new dedup window.
func (t *UniqueKeysTracker) ClearFilter() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.filter.ClearAll()
}

// Package storage defines the read/write surfaces the evaluator, the
// synchronizer and the telemetry pipelines operate against. The in-memory
// implementation is authoritative; the Redis one serves consumer mode.
package storage

import (
	"errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar"
)

// ErrSegmentNotFound is returned by segment lookups for unsynchronized
// segments; matchers treat it as a non-match.
var ErrSegmentNotFound = errors.New("segment not found")

// SplitStorage is the feature-flag cache. Writes are transactional: an
// Update lands atomically together with its change number.
type SplitStorage interface {
	Split(name string) *grammar.Split
	FetchMany(names []string) map[string]*grammar.Split
	All() []*grammar.Split
	SplitNames() []string
	SegmentNames() []string
	NamesByFlagSets(sets []string) map[string][]string
	TrafficTypeExists(trafficType string) bool
	ChangeNumber() int64
	Update(toAdd []dtos.SplitDTO, toRemove []dtos.SplitDTO, changeNumber int64)
	KillLocally(name string, defaultTreatment string, changeNumber int64)
}

// SegmentStorage is the segment-membership cache, change-number tracked per
// segment.
type SegmentStorage interface {
	SegmentContainsKey(name string, key string) (bool, error)
	Keys(name string) map[string]struct{}
	SegmentNames() []string
	SegmentKeyCount() int64
	ChangeNumber(name string) int64
	Update(name string, toAdd []string, toRemove []string, changeNumber int64)
}

// ImpressionStorage is the bounded impression queue. Overflow drops the
// oldest entries rather than blocking producers.
type ImpressionStorage interface {
	LogImpressions(impressions []dtos.Impression) error
	PopN(n int64) ([]dtos.Impression, error)
	Empty() bool
	Count() int64
}

// EventStorage is the bounded event queue with byte-size accounting.
type EventStorage interface {
	Push(event dtos.EventDTO, size int) error
	PopN(n int64) ([]dtos.EventDTO, error)
	Empty() bool
	Count() int64
}

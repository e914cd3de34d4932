package inmemory

import (
	"sync"

	"github.com/splitio/go-client/storage"
)

type segmentData struct {
	keys         map[string]struct{}
	changeNumber int64
}

// SegmentStorage holds segment memberships with O(1) lookups and a change
// number per segment.
type SegmentStorage struct {
	mtx      sync.RWMutex
	segments map[string]*segmentData
}

// NewSegmentStorage builds an empty segment cache.
func NewSegmentStorage() *SegmentStorage {
	return &SegmentStorage{segments: make(map[string]*segmentData)}
}

// SegmentContainsKey reports membership; an unsynchronized segment yields
// ErrSegmentNotFound, which matchers treat as a non-match.
func (s *SegmentStorage) SegmentContainsKey(name string, key string) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	segment, ok := s.segments[name]
	if !ok {
		return false, storage.ErrSegmentNotFound
	}
	_, in := segment.keys[key]
	return in, nil
}

// Keys returns a copy of the segment's member set, or nil if unknown.
func (s *SegmentStorage) Keys(name string) map[string]struct{} {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	segment, ok := s.segments[name]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(segment.keys))
	for key := range segment.keys {
		out[key] = struct{}{}
	}
	return out
}

// SegmentNames lists the synchronized segments.
func (s *SegmentStorage) SegmentNames() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]string, 0, len(s.segments))
	for name := range s.segments {
		out = append(out, name)
	}
	return out
}

// SegmentKeyCount sums the members of every segment, for telemetry.
func (s *SegmentStorage) SegmentKeyCount() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var total int64
	for _, segment := range s.segments {
		total += int64(len(segment.keys))
	}
	return total
}

// ChangeNumber returns the segment's feed version, -1 when unknown.
func (s *SegmentStorage) ChangeNumber(name string) int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	segment, ok := s.segments[name]
	if !ok {
		return -1
	}
	return segment.changeNumber
}

// Update applies one segment delta transactionally, creating the segment on
// first sight. The change number only moves forward.
func (s *SegmentStorage) Update(name string, toAdd []string, toRemove []string, changeNumber int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	segment, ok := s.segments[name]
	if !ok {
		segment = &segmentData{keys: make(map[string]struct{}), changeNumber: -1}
		s.segments[name] = segment
	}
	for _, key := range toAdd {
		segment.keys[key] = struct{}{}
	}
	for _, key := range toRemove {
		delete(segment.keys, key)
	}
	if changeNumber > segment.changeNumber {
		segment.changeNumber = changeNumber
	}
}

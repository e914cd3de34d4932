// Package inmemory implements the authoritative in-process caches: flags,
// segments and the two telemetry queues, all guarded by readers-writer
// locks so the evaluation hot path stays lock-light.
package inmemory

import (
	"sync"

	"github.com/go-kit/log"
	"go.uber.org/atomic"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar"
)

// SplitStorage holds compiled flag definitions plus the incrementally
// maintained flag-set and traffic-type indexes.
type SplitStorage struct {
	mtx          sync.RWMutex
	splits       map[string]*grammar.Split
	flagSets     map[string]map[string]struct{}
	trafficTypes map[string]int64
	changeNumber atomic.Int64
	logger       log.Logger
}

// NewSplitStorage builds an empty flag cache.
func NewSplitStorage(logger log.Logger) *SplitStorage {
	s := &SplitStorage{
		splits:       make(map[string]*grammar.Split),
		flagSets:     make(map[string]map[string]struct{}),
		trafficTypes: make(map[string]int64),
		logger:       logger,
	}
	s.changeNumber.Store(-1)
	return s
}

// Split returns one flag or nil.
func (s *SplitStorage) Split(name string) *grammar.Split {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.splits[name]
}

// FetchMany resolves several flags against one snapshot. Missing names map
// to nil.
func (s *SplitStorage) FetchMany(names []string) map[string]*grammar.Split {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make(map[string]*grammar.Split, len(names))
	for _, name := range names {
		out[name] = s.splits[name]
	}
	return out
}

// All returns every stored flag.
func (s *SplitStorage) All() []*grammar.Split {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*grammar.Split, 0, len(s.splits))
	for _, split := range s.splits {
		out = append(out, split)
	}
	return out
}

// SplitNames returns the names of every stored flag.
func (s *SplitStorage) SplitNames() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]string, 0, len(s.splits))
	for name := range s.splits {
		out = append(out, name)
	}
	return out
}

// SegmentNames returns every segment referenced by any stored flag.
func (s *SplitStorage) SegmentNames() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, split := range s.splits {
		for _, segment := range split.ReferencedSegments() {
			if _, dup := seen[segment]; !dup {
				seen[segment] = struct{}{}
				out = append(out, segment)
			}
		}
	}
	return out
}

// NamesByFlagSets resolves flag-set tags to the flags carrying them. Unknown
// sets map to empty lists.
func (s *SplitStorage) NamesByFlagSets(sets []string) map[string][]string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make(map[string][]string, len(sets))
	for _, set := range sets {
		names := make([]string, 0, len(s.flagSets[set]))
		for name := range s.flagSets[set] {
			names = append(names, name)
		}
		out[set] = names
	}
	return out
}

// TrafficTypeExists reports whether any stored flag uses the traffic type.
func (s *SplitStorage) TrafficTypeExists(trafficType string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.trafficTypes[trafficType] > 0
}

// ChangeNumber returns the flag feed version.
func (s *SplitStorage) ChangeNumber() int64 { return s.changeNumber.Load() }

// Update applies one flag-feed delta transactionally. The change number only
// moves forward.
func (s *SplitStorage) Update(toAdd []dtos.SplitDTO, toRemove []dtos.SplitDTO, changeNumber int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for idx := range toAdd {
		s.putLocked(grammar.NewSplit(&toAdd[idx], s.logger))
	}
	for idx := range toRemove {
		s.removeLocked(toRemove[idx].Name)
	}
	if changeNumber > s.changeNumber.Load() {
		s.changeNumber.Store(changeNumber)
	}
}

// KillLocally marks a flag killed ahead of the catch-up fetch that follows a
// SPLIT_KILL notification. Stale notifications are ignored.
func (s *SplitStorage) KillLocally(name string, defaultTreatment string, changeNumber int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	current, ok := s.splits[name]
	if !ok || changeNumber <= current.ChangeNumber() {
		return
	}
	dto := current.DTO()
	dto.Killed = true
	dto.DefaultTreatment = defaultTreatment
	dto.ChangeNumber = changeNumber
	s.putLocked(grammar.NewSplit(&dto, s.logger))
}

func (s *SplitStorage) putLocked(split *grammar.Split) {
	s.removeLocked(split.Name())
	s.splits[split.Name()] = split
	s.trafficTypes[split.TrafficTypeName()]++
	for _, set := range split.Sets() {
		flags, ok := s.flagSets[set]
		if !ok {
			flags = make(map[string]struct{})
			s.flagSets[set] = flags
		}
		flags[split.Name()] = struct{}{}
	}
}

func (s *SplitStorage) removeLocked(name string) {
	previous, ok := s.splits[name]
	if !ok {
		return
	}
	delete(s.splits, name)
	tt := previous.TrafficTypeName()
	if s.trafficTypes[tt] <= 1 {
		delete(s.trafficTypes, tt)
	} else {
		s.trafficTypes[tt]--
	}
	for _, set := range previous.Sets() {
		if flags, ok := s.flagSets[set]; ok {
			delete(flags, name)
			if len(flags) == 0 {
				delete(s.flagSets, set)
			}
		}
	}
}

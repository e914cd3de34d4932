// Package grammar holds the in-memory form of feature-flag definitions:
// wire DTOs compiled once into evaluable conditions and matchers.
package grammar

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/splitio/go-client/dtos"
)

// Hashing algorithm selectors as they appear on the wire.
const (
	SplitAlgoLegacy = 1
	SplitAlgoMurmur = 2
)

// Flag statuses.
const (
	SplitStatusActive   = "ACTIVE"
	SplitStatusArchived = "ARCHIVED"
)

// LabelUnsupportedMatcher is served when a flag carries a matcher this SDK
// does not know how to evaluate.
const LabelUnsupportedMatcher = "targeting rule type unsupported by sdk"

// Split is a compiled feature flag. Construction never fails: a definition
// with an unsupported or malformed matcher degrades to a single catch-all
// condition serving the default treatment.
type Split struct {
	dto        dtos.SplitDTO
	conditions []*Condition
}

// NewSplit compiles a wire definition.
func NewSplit(dto *dtos.SplitDTO, logger log.Logger) *Split {
	s := &Split{dto: *dto}
	conditions := make([]*Condition, 0, len(dto.Conditions))
	for idx := range dto.Conditions {
		cond, err := NewCondition(&dto.Conditions[idx], logger)
		if err != nil {
			level.Warn(logger).Log("msg", "flag uses an unsupported matcher, serving default treatment",
				"split", dto.Name, "err", err)
			s.conditions = []*Condition{unsupportedCondition(dto.DefaultTreatment)}
			return s
		}
		conditions = append(conditions, cond)
	}
	s.conditions = conditions
	return s
}

// unsupportedCondition is the degraded form: match everyone, serve the
// default treatment, label the impression accordingly.
func unsupportedCondition(defaultTreatment string) *Condition {
	return &Condition{
		conditionType: ConditionTypeWhitelist,
		label:         LabelUnsupportedMatcher,
		matchers:      nil,
		partitions:    []Partition{{Treatment: defaultTreatment, Size: 100}},
	}
}

// Name returns the flag name.
func (s *Split) Name() string { return s.dto.Name }

// Seed feeds the partition hash.
func (s *Split) Seed() int64 { return s.dto.Seed }

// Status is ACTIVE or ARCHIVED.
func (s *Split) Status() string { return s.dto.Status }

// Killed reports whether the flag was killed from the console.
func (s *Split) Killed() bool { return s.dto.Killed }

// DefaultTreatment is served for killed flags, unmatched keys and degraded
// definitions.
func (s *Split) DefaultTreatment() string { return s.dto.DefaultTreatment }

// TrafficTypeName tags the kind of key the flag targets.
func (s *Split) TrafficTypeName() string { return s.dto.TrafficTypeName }

// TrafficAllocation is the rollout percentage, 0..100. Absent or invalid
// wire values mean full allocation.
func (s *Split) TrafficAllocation() int {
	ta := s.dto.TrafficAllocation
	if ta == nil || *ta < 0 || *ta > 100 {
		return 100
	}
	return *ta
}

// TrafficAllocationSeed feeds the rollout-gate hash.
func (s *Split) TrafficAllocationSeed() int64 { return s.dto.TrafficAllocationSeed }

// Algo selects the bucketing hash; unknown selectors fall back to legacy.
func (s *Split) Algo() int {
	if s.dto.Algo == SplitAlgoMurmur {
		return SplitAlgoMurmur
	}
	return SplitAlgoLegacy
}

// ChangeNumber is the definition version.
func (s *Split) ChangeNumber() int64 { return s.dto.ChangeNumber }

// Conditions returns the compiled rules in evaluation order.
func (s *Split) Conditions() []*Condition { return s.conditions }

// Configurations maps treatments to their opaque config payloads.
func (s *Split) Configurations() map[string]string { return s.dto.Configurations }

// Sets returns the flag-set tags of this flag.
func (s *Split) Sets() []string { return s.dto.Sets }

// Treatments returns every treatment named by the partitions, in order of
// first appearance.
func (s *Split) Treatments() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, cond := range s.conditions {
		for _, part := range cond.partitions {
			if _, dup := seen[part.Treatment]; !dup {
				seen[part.Treatment] = struct{}{}
				out = append(out, part.Treatment)
			}
		}
	}
	return out
}

// ReferencedSegments lists the segment names used by in-segment matchers, so
// the synchronizer can fetch them eagerly.
func (s *Split) ReferencedSegments() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, cond := range s.dto.Conditions {
		for _, m := range cond.MatcherGroup.Matchers {
			if m.UserDefinedSegment != nil {
				if _, dup := seen[m.UserDefinedSegment.SegmentName]; !dup {
					seen[m.UserDefinedSegment.SegmentName] = struct{}{}
					out = append(out, m.UserDefinedSegment.SegmentName)
				}
			}
		}
	}
	return out
}

// DTO returns the wire form the split was compiled from.
func (s *Split) DTO() dtos.SplitDTO { return s.dto }

// Package matchers implements the predicate vocabulary of targeting rules.
// Matchers are built from their wire form once, at flag parse time, and then
// evaluated as pure functions of (key, attributes, context).
package matchers

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/splitio/go-client/dtos"
)

// Matcher type tags as they appear on the wire.
const (
	MatcherTypeAllKeys                    = "ALL_KEYS"
	MatcherTypeInSegment                  = "IN_SEGMENT"
	MatcherTypeInLargeSegment             = "IN_LARGE_SEGMENT"
	MatcherTypeWhitelist                  = "WHITELIST"
	MatcherTypeEqualTo                    = "EQUAL_TO"
	MatcherTypeGreaterThanOrEqualTo       = "GREATER_THAN_OR_EQUAL_TO"
	MatcherTypeLessThanOrEqualTo          = "LESS_THAN_OR_EQUAL_TO"
	MatcherTypeBetween                    = "BETWEEN"
	MatcherTypeEqualToSet                 = "EQUAL_TO_SET"
	MatcherTypePartOfSet                  = "PART_OF_SET"
	MatcherTypeContainsAllOfSet           = "CONTAINS_ALL_OF_SET"
	MatcherTypeContainsAnyOfSet           = "CONTAINS_ANY_OF_SET"
	MatcherTypeStartsWith                 = "STARTS_WITH"
	MatcherTypeEndsWith                   = "ENDS_WITH"
	MatcherTypeContainsString             = "CONTAINS_STRING"
	MatcherTypeInSplitTreatment           = "IN_SPLIT_TREATMENT"
	MatcherTypeEqualToBoolean             = "EQUAL_TO_BOOLEAN"
	MatcherTypeMatchesString              = "MATCHES_STRING"
	MatcherTypeEqualToSemver              = "EQUAL_TO_SEMVER"
	MatcherTypeGreaterThanOrEqualToSemver = "GREATER_THAN_OR_EQUAL_TO_SEMVER"
	MatcherTypeLessThanOrEqualToSemver    = "LESS_THAN_OR_EQUAL_TO_SEMVER"
	MatcherTypeBetweenSemver              = "BETWEEN_SEMVER"
	MatcherTypeInListSemver               = "IN_LIST_SEMVER"
)

// MaxDependencyDepth bounds in-split-treatment recursion; beyond it the
// matcher fails closed.
const MaxDependencyDepth = 50

// SegmentView is the storage surface matchers need for membership checks.
type SegmentView interface {
	SegmentContainsKey(segmentName string, key string) (bool, error)
}

// DependencyEvaluator resolves in-split-treatment references.
type DependencyEvaluator interface {
	EvaluateDependency(key string, bucketingKey *string, feature string, attributes map[string]interface{}, depth int) string
}

// MatchContext carries the evaluation-scoped collaborators into Match calls.
type MatchContext struct {
	BucketingKey  *string
	Segments      SegmentView
	LargeSegments SegmentView
	Dependency    DependencyEvaluator
	Depth         int
}

// Matcher is one predicate of a condition. Match never panics; malformed
// inputs fail closed.
type Matcher interface {
	Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool
	Negate() bool
}

// ErrUnsupportedMatcher marks wire matchers this SDK cannot honor; the
// owning flag degrades to its default treatment.
type ErrUnsupportedMatcher struct {
	MatcherType string
}

func (e ErrUnsupportedMatcher) Error() string {
	return fmt.Sprintf("unsupported matcher type %q", e.MatcherType)
}

// base carries what every matcher shares: the negation flag and the
// attribute selector (nil means the matching key itself).
type base struct {
	negate    bool
	attribute *string
	logger    log.Logger
}

func newBase(dto *dtos.MatcherDTO, logger log.Logger) base {
	b := base{negate: dto.Negate, logger: logger}
	if dto.KeySelector != nil && dto.KeySelector.Attribute != nil {
		b.attribute = dto.KeySelector.Attribute
	}
	return b
}

func (b *base) Negate() bool { return b.negate }

// matchingData resolves the value the matcher operates on: the key, or one
// attribute. ok is false when the attribute is missing.
func (b *base) matchingData(key string, attributes map[string]interface{}) (interface{}, bool) {
	if b.attribute == nil {
		return key, true
	}
	if attributes == nil {
		return nil, false
	}
	v, ok := attributes[*b.attribute]
	return v, ok
}

// matchingString is matchingData restricted to string values.
func (b *base) matchingString(key string, attributes map[string]interface{}) (string, bool) {
	raw, ok := b.matchingData(key, attributes)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// BuildMatcher constructs a matcher from its wire form. An unknown tag or a
// tag with missing/invalid literal data yields an error; callers degrade the
// whole flag (spec: default treatment, unsupported-matcher label).
func BuildMatcher(dto *dtos.MatcherDTO, logger log.Logger) (Matcher, error) {
	switch dto.MatcherType {
	case MatcherTypeAllKeys:
		return newAllKeysMatcher(dto, logger), nil
	case MatcherTypeInSegment:
		return newInSegmentMatcher(dto, logger)
	case MatcherTypeInLargeSegment:
		return newInLargeSegmentMatcher(dto, logger)
	case MatcherTypeWhitelist:
		return newWhitelistMatcher(dto, logger)
	case MatcherTypeEqualTo, MatcherTypeGreaterThanOrEqualTo, MatcherTypeLessThanOrEqualTo:
		return newUnaryNumericMatcher(dto, logger)
	case MatcherTypeBetween:
		return newBetweenMatcher(dto, logger)
	case MatcherTypeEqualToSet, MatcherTypePartOfSet, MatcherTypeContainsAllOfSet, MatcherTypeContainsAnyOfSet:
		return newSetMatcher(dto, logger)
	case MatcherTypeStartsWith, MatcherTypeEndsWith, MatcherTypeContainsString:
		return newSubstringMatcher(dto, logger)
	case MatcherTypeInSplitTreatment:
		return newDependencyMatcher(dto, logger)
	case MatcherTypeEqualToBoolean:
		return newBooleanMatcher(dto, logger)
	case MatcherTypeMatchesString:
		return newRegexMatcher(dto, logger)
	case MatcherTypeEqualToSemver, MatcherTypeGreaterThanOrEqualToSemver, MatcherTypeLessThanOrEqualToSemver:
		return newUnarySemverMatcher(dto, logger)
	case MatcherTypeBetweenSemver:
		return newBetweenSemverMatcher(dto, logger)
	case MatcherTypeInListSemver:
		return newInListSemverMatcher(dto, logger)
	default:
		level.Warn(logger).Log("msg", "unsupported matcher type, flag will serve its default treatment",
			"matcherType", dto.MatcherType)
		return nil, ErrUnsupportedMatcher{MatcherType: dto.MatcherType}
	}
}

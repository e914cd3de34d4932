package matchers

import (
	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// parseSemver parses a strict MAJOR.MINOR.PATCH[-pre][+build] version.
// Comparison via semver.Version ignores build metadata, as the targeting
// rules require.
func parseSemver(raw string) (*semver.Version, error) {
	return semver.StrictNewVersion(raw)
}

// attributeSemver resolves and parses the matching value; any failure along
// the way makes the matcher fail closed.
func (b *base) attributeSemver(key string, attributes map[string]interface{}) (*semver.Version, bool) {
	raw, ok := b.matchingString(key, attributes)
	if !ok {
		return nil, false
	}
	v, err := parseSemver(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

// unarySemverMatcher covers EQUAL_TO_SEMVER, GREATER_THAN_OR_EQUAL_TO_SEMVER
// and LESS_THAN_OR_EQUAL_TO_SEMVER.
type unarySemverMatcher struct {
	base
	op      string
	version *semver.Version
}

func newUnarySemverMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*unarySemverMatcher, error) {
	if dto.String == nil {
		return nil, errors.Errorf("%s matcher without stringMatcherData", dto.MatcherType)
	}
	v, err := parseSemver(*dto.String)
	if err != nil {
		level.Warn(logger).Log("msg", "unparseable semver in matcher data, it will never match",
			"version", *dto.String, "err", err)
	}
	return &unarySemverMatcher{base: newBase(dto, logger), op: dto.MatcherType, version: v}, nil
}

func (m *unarySemverMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	if m.version == nil {
		return false
	}
	input, ok := m.attributeSemver(key, attributes)
	if !ok {
		return false
	}
	switch m.op {
	case MatcherTypeEqualToSemver:
		return input.Compare(m.version) == 0
	case MatcherTypeGreaterThanOrEqualToSemver:
		return input.Compare(m.version) >= 0
	case MatcherTypeLessThanOrEqualToSemver:
		return input.Compare(m.version) <= 0
	}
	return false
}

// betweenSemverMatcher covers BETWEEN_SEMVER, inclusive on both ends.
type betweenSemverMatcher struct {
	base
	lower *semver.Version
	upper *semver.Version
}

func newBetweenSemverMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*betweenSemverMatcher, error) {
	if dto.BetweenString == nil {
		return nil, errors.New("BETWEEN_SEMVER matcher without betweenStringMatcherData")
	}
	lower, errLow := parseSemver(dto.BetweenString.Start)
	upper, errHigh := parseSemver(dto.BetweenString.End)
	if errLow != nil || errHigh != nil {
		level.Warn(logger).Log("msg", "unparseable semver range in matcher data, it will never match",
			"start", dto.BetweenString.Start, "end", dto.BetweenString.End)
		lower, upper = nil, nil
	}
	return &betweenSemverMatcher{base: newBase(dto, logger), lower: lower, upper: upper}, nil
}

func (m *betweenSemverMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	if m.lower == nil || m.upper == nil {
		return false
	}
	input, ok := m.attributeSemver(key, attributes)
	if !ok {
		return false
	}
	return input.Compare(m.lower) >= 0 && input.Compare(m.upper) <= 0
}

// inListSemverMatcher covers IN_LIST_SEMVER: exact (metadata-insensitive)
// equality against any version of the list.
type inListSemverMatcher struct {
	base
	versions []*semver.Version
}

func newInListSemverMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*inListSemverMatcher, error) {
	if dto.Whitelist == nil {
		return nil, errors.New("IN_LIST_SEMVER matcher without whitelistMatcherData")
	}
	versions := make([]*semver.Version, 0, len(dto.Whitelist.Whitelist))
	for _, raw := range dto.Whitelist.Whitelist {
		v, err := parseSemver(raw)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping unparseable semver in matcher list",
				"version", raw, "err", err)
			continue
		}
		versions = append(versions, v)
	}
	return &inListSemverMatcher{base: newBase(dto, logger), versions: versions}, nil
}

func (m *inListSemverMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	input, ok := m.attributeSemver(key, attributes)
	if !ok {
		return false
	}
	for _, v := range m.versions {
		if input.Compare(v) == 0 {
			return true
		}
	}
	return false
}

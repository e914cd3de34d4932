package matchers

import (
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// substringMatcher covers STARTS_WITH, ENDS_WITH and CONTAINS_STRING: the
// matching value is tested against every entry of the whitelist (any-of).
type substringMatcher struct {
	base
	op        string
	whitelist []string
}

func newSubstringMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*substringMatcher, error) {
	if dto.Whitelist == nil {
		return nil, errors.Errorf("%s matcher without whitelistMatcherData", dto.MatcherType)
	}
	return &substringMatcher{
		base:      newBase(dto, logger),
		op:        dto.MatcherType,
		whitelist: dto.Whitelist.Whitelist,
	}, nil
}

func (m *substringMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	matching, ok := m.matchingString(key, attributes)
	if !ok {
		return false
	}
	for _, candidate := range m.whitelist {
		switch m.op {
		case MatcherTypeStartsWith:
			if strings.HasPrefix(matching, candidate) {
				return true
			}
		case MatcherTypeEndsWith:
			if strings.HasSuffix(matching, candidate) {
				return true
			}
		case MatcherTypeContainsString:
			if strings.Contains(matching, candidate) {
				return true
			}
		}
	}
	return false
}

// regexMatcher covers MATCHES_STRING. The pattern is compiled once at build
// time; a pattern this engine cannot compile makes the matcher permanently
// false after a single warning.
type regexMatcher struct {
	base
	re *regexp.Regexp
}

func newRegexMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*regexMatcher, error) {
	if dto.String == nil {
		return nil, errors.New("MATCHES_STRING matcher without stringMatcherData")
	}
	re, err := regexp.Compile(*dto.String)
	if err != nil {
		level.Warn(logger).Log("msg", "unparseable regex in matcher, it will never match",
			"pattern", *dto.String, "err", err)
		re = nil
	}
	return &regexMatcher{base: newBase(dto, logger), re: re}, nil
}

func (m *regexMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	if m.re == nil {
		return false
	}
	matching, ok := m.matchingString(key, attributes)
	if !ok {
		return false
	}
	// Unanchored search, matching the reference implementations.
	return m.re.MatchString(matching)
}

// booleanMatcher covers EQUAL_TO_BOOLEAN. Attribute values may be booleans
// or the strings "true"/"false" in any casing.
type booleanMatcher struct {
	base
	value bool
}

func newBooleanMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*booleanMatcher, error) {
	if dto.Boolean == nil {
		return nil, errors.New("EQUAL_TO_BOOLEAN matcher without booleanMatcherData")
	}
	return &booleanMatcher{base: newBase(dto, logger), value: *dto.Boolean}, nil
}

func (m *booleanMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	raw, ok := m.matchingData(key, attributes)
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v == m.value
	case string:
		switch strings.ToLower(v) {
		case "true":
			return m.value
		case "false":
			return !m.value
		}
	}
	return false
}

package matchers

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// asStringSet coerces an attribute value to a set of strings. Accepted forms
// are []string and []interface{} holding only strings; anything else fails.
func asStringSet(raw interface{}) (map[string]struct{}, bool) {
	switch v := raw.(type) {
	case []string:
		out := make(map[string]struct{}, len(v))
		for _, item := range v {
			out[item] = struct{}{}
		}
		return out, true
	case []interface{}:
		out := make(map[string]struct{}, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[s] = struct{}{}
		}
		return out, true
	default:
		return nil, false
	}
}

// setMatcher covers the four set operations (EQUAL_TO_SET, PART_OF_SET,
// CONTAINS_ALL_OF_SET, CONTAINS_ANY_OF_SET) against a whitelist of strings.
type setMatcher struct {
	base
	op        string
	whitelist map[string]struct{}
}

func newSetMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*setMatcher, error) {
	if dto.Whitelist == nil {
		return nil, errors.Errorf("%s matcher without whitelistMatcherData", dto.MatcherType)
	}
	wl := make(map[string]struct{}, len(dto.Whitelist.Whitelist))
	for _, item := range dto.Whitelist.Whitelist {
		wl[item] = struct{}{}
	}
	return &setMatcher{base: newBase(dto, logger), op: dto.MatcherType, whitelist: wl}, nil
}

func (m *setMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	raw, ok := m.matchingData(key, attributes)
	if !ok {
		return false
	}
	input, ok := asStringSet(raw)
	if !ok {
		return false
	}
	switch m.op {
	case MatcherTypeEqualToSet:
		if len(input) != len(m.whitelist) {
			return false
		}
		for item := range input {
			if _, in := m.whitelist[item]; !in {
				return false
			}
		}
		return true
	case MatcherTypePartOfSet:
		if len(input) == 0 {
			return false
		}
		for item := range input {
			if _, in := m.whitelist[item]; !in {
				return false
			}
		}
		return true
	case MatcherTypeContainsAllOfSet:
		for item := range m.whitelist {
			if _, in := input[item]; !in {
				return false
			}
		}
		return true
	case MatcherTypeContainsAnyOfSet:
		for item := range m.whitelist {
			if _, in := input[item]; in {
				return true
			}
		}
		return false
	}
	return false
}

package matchers

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// allKeysMatcher accepts every key. Rollout conditions with no explicit
// targeting use it as their only predicate.
type allKeysMatcher struct {
	base
}

func newAllKeysMatcher(dto *dtos.MatcherDTO, logger log.Logger) *allKeysMatcher {
	return &allKeysMatcher{base: newBase(dto, logger)}
}

func (m *allKeysMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	return true
}

// inSegmentMatcher checks membership of the matching value in a synchronized
// segment. A segment the storage does not know about fails closed.
type inSegmentMatcher struct {
	base
	segmentName string
}

func newInSegmentMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*inSegmentMatcher, error) {
	if dto.UserDefinedSegment == nil {
		return nil, errors.New("IN_SEGMENT matcher without userDefinedSegmentMatcherData")
	}
	return &inSegmentMatcher{
		base:        newBase(dto, logger),
		segmentName: dto.UserDefinedSegment.SegmentName,
	}, nil
}

func (m *inSegmentMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	matching, ok := m.matchingString(key, attributes)
	if !ok || ctx == nil || ctx.Segments == nil {
		return false
	}
	in, err := ctx.Segments.SegmentContainsKey(m.segmentName, matching)
	if err != nil {
		level.Debug(m.logger).Log("msg", "segment lookup failed, matcher fails closed",
			"segment", m.segmentName, "err", err)
		return false
	}
	return in
}

// inLargeSegmentMatcher is the large-segment flavour of inSegmentMatcher; it
// reads from the large-segment view and otherwise behaves identically.
type inLargeSegmentMatcher struct {
	base
	segmentName string
}

func newInLargeSegmentMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*inLargeSegmentMatcher, error) {
	if dto.UserDefinedSegment == nil {
		return nil, errors.New("IN_LARGE_SEGMENT matcher without userDefinedSegmentMatcherData")
	}
	return &inLargeSegmentMatcher{
		base:        newBase(dto, logger),
		segmentName: dto.UserDefinedSegment.SegmentName,
	}, nil
}

func (m *inLargeSegmentMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	matching, ok := m.matchingString(key, attributes)
	if !ok || ctx == nil || ctx.LargeSegments == nil {
		return false
	}
	in, err := ctx.LargeSegments.SegmentContainsKey(m.segmentName, matching)
	if err != nil {
		return false
	}
	return in
}

// whitelistMatcher checks the matching value against a fixed set of strings.
type whitelistMatcher struct {
	base
	whitelist map[string]struct{}
}

func newWhitelistMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*whitelistMatcher, error) {
	if dto.Whitelist == nil {
		return nil, errors.New("WHITELIST matcher without whitelistMatcherData")
	}
	wl := make(map[string]struct{}, len(dto.Whitelist.Whitelist))
	for _, item := range dto.Whitelist.Whitelist {
		wl[item] = struct{}{}
	}
	return &whitelistMatcher{base: newBase(dto, logger), whitelist: wl}, nil
}

func (m *whitelistMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	matching, ok := m.matchingString(key, attributes)
	if !ok {
		return false
	}
	_, in := m.whitelist[matching]
	return in
}

package matchers

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// dependencyMatcher (IN_SPLIT_TREATMENT) evaluates another flag with the
// same key and attributes and matches when its treatment is one of the
// accepted ones. Recursion through flag references is depth-bounded; chains
// beyond the limit fail closed.
type dependencyMatcher struct {
	base
	feature    string
	treatments map[string]struct{}
}

func newDependencyMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*dependencyMatcher, error) {
	if dto.Dependency == nil {
		return nil, errors.New("IN_SPLIT_TREATMENT matcher without dependencyMatcherData")
	}
	accepted := make(map[string]struct{}, len(dto.Dependency.Treatments))
	for _, t := range dto.Dependency.Treatments {
		accepted[t] = struct{}{}
	}
	return &dependencyMatcher{
		base:       newBase(dto, logger),
		feature:    dto.Dependency.Split,
		treatments: accepted,
	}, nil
}

func (m *dependencyMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	if ctx == nil || ctx.Dependency == nil {
		return false
	}
	if ctx.Depth >= MaxDependencyDepth {
		level.Warn(m.logger).Log("msg", "in-split-treatment recursion limit reached, matcher fails closed",
			"feature", m.feature, "depth", ctx.Depth)
		return false
	}
	result := ctx.Dependency.EvaluateDependency(key, ctx.BucketingKey, m.feature, attributes, ctx.Depth+1)
	_, in := m.treatments[result]
	return in
}

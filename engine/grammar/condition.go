package grammar

import (
	"github.com/go-kit/log"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar/matchers"
)

// Condition types. Whitelist conditions sit above the traffic-allocation
// gate; rollout conditions sit below it.
const (
	ConditionTypeWhitelist = "WHITELIST"
	ConditionTypeRollout   = "ROLLOUT"
)

// Partition assigns a share of the 100 bucket slots to a treatment.
type Partition struct {
	Treatment string
	Size      int
}

// Condition is one targeting rule: a conjunction of matchers plus the
// partitions that split matching traffic.
type Condition struct {
	conditionType string
	label         string
	matchers      []matchers.Matcher
	partitions    []Partition
}

// NewCondition builds a condition from its wire form. An unsupported or
// malformed matcher aborts the build; the caller degrades the whole flag.
func NewCondition(dto *dtos.ConditionDTO, logger log.Logger) (*Condition, error) {
	built := make([]matchers.Matcher, 0, len(dto.MatcherGroup.Matchers))
	for idx := range dto.MatcherGroup.Matchers {
		m, err := matchers.BuildMatcher(&dto.MatcherGroup.Matchers[idx], logger)
		if err != nil {
			return nil, err
		}
		built = append(built, m)
	}
	partitions := make([]Partition, 0, len(dto.Partitions))
	for _, p := range dto.Partitions {
		partitions = append(partitions, Partition{Treatment: p.Treatment, Size: p.Size})
	}
	conditionType := dto.ConditionType
	if conditionType == "" {
		conditionType = ConditionTypeWhitelist
	}
	return &Condition{
		conditionType: conditionType,
		label:         dto.Label,
		matchers:      built,
		partitions:    partitions,
	}, nil
}

// Matches evaluates the conjunction of all matchers, applying per-matcher
// negation.
func (c *Condition) Matches(key string, attributes map[string]interface{}, ctx *matchers.MatchContext) bool {
	for _, m := range c.matchers {
		if m.Match(key, attributes, ctx) == m.Negate() {
			return false
		}
	}
	return true
}

// ConditionType returns WHITELIST or ROLLOUT.
func (c *Condition) ConditionType() string { return c.conditionType }

// Label is the condition's impression label.
func (c *Condition) Label() string { return c.label }

// Partitions returns the treatment partitions in wire order.
func (c *Condition) Partitions() []Partition { return c.partitions }

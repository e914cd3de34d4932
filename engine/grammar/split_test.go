package grammar

import (
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar/matchers"
)

func intPtr(v int) *int { return &v }

func validDTO() *dtos.SplitDTO {
	return &dtos.SplitDTO{
		Name:              "feature",
		Seed:              123,
		Status:            SplitStatusActive,
		DefaultTreatment:  "off",
		TrafficAllocation: intPtr(100),
		Algo:              SplitAlgoMurmur,
		ChangeNumber:      42,
		Conditions: []dtos.ConditionDTO{
			{
				ConditionType: ConditionTypeWhitelist,
				Label:         "whitelisted",
				MatcherGroup: dtos.MatcherGroupDTO{
					Combiner: "AND",
					Matchers: []dtos.MatcherDTO{{
						MatcherType: matchers.MatcherTypeWhitelist,
						Whitelist:   &dtos.WhitelistMatcherDataDTO{Whitelist: []string{"alice"}},
					}},
				},
				Partitions: []dtos.PartitionDTO{{Treatment: "on", Size: 100}},
			},
			{
				ConditionType: ConditionTypeRollout,
				Label:         "default rule",
				MatcherGroup: dtos.MatcherGroupDTO{
					Combiner: "AND",
					Matchers: []dtos.MatcherDTO{{MatcherType: matchers.MatcherTypeAllKeys}},
				},
				Partitions: []dtos.PartitionDTO{
					{Treatment: "on", Size: 50},
					{Treatment: "off", Size: 50},
				},
			},
		},
	}
}

func TestNewSplit(t *testing.T) {
	s := NewSplit(validDTO(), kitlog.NewNopLogger())
	require.Len(t, s.Conditions(), 2)
	assert.Equal(t, "feature", s.Name())
	assert.Equal(t, SplitAlgoMurmur, s.Algo())
	assert.Equal(t, 100, s.TrafficAllocation())
	assert.ElementsMatch(t, []string{"on", "off"}, s.Treatments())

	cond := s.Conditions()[0]
	assert.True(t, cond.Matches("alice", nil, nil))
	assert.False(t, cond.Matches("bob", nil, nil))
	assert.Equal(t, "whitelisted", cond.Label())
}

func TestTrafficAllocationSanitized(t *testing.T) {
	dto := validDTO()
	dto.TrafficAllocation = nil
	assert.Equal(t, 100, NewSplit(dto, kitlog.NewNopLogger()).TrafficAllocation())

	dto.TrafficAllocation = intPtr(150)
	assert.Equal(t, 100, NewSplit(dto, kitlog.NewNopLogger()).TrafficAllocation())

	dto.TrafficAllocation = intPtr(25)
	assert.Equal(t, 25, NewSplit(dto, kitlog.NewNopLogger()).TrafficAllocation())
}

func TestUnknownAlgoFallsBackToLegacy(t *testing.T) {
	dto := validDTO()
	dto.Algo = 7
	assert.Equal(t, SplitAlgoLegacy, NewSplit(dto, kitlog.NewNopLogger()).Algo())
}

func TestUnsupportedMatcherDegradesSplit(t *testing.T) {
	dto := validDTO()
	dto.Conditions[1].MatcherGroup.Matchers[0].MatcherType = "BRAND_NEW_MATCHER"
	s := NewSplit(dto, kitlog.NewNopLogger())

	require.Len(t, s.Conditions(), 1)
	cond := s.Conditions()[0]
	assert.Equal(t, LabelUnsupportedMatcher, cond.Label())
	assert.True(t, cond.Matches("anyone", nil, nil))
	require.Len(t, cond.Partitions(), 1)
	assert.Equal(t, Partition{Treatment: "off", Size: 100}, cond.Partitions()[0])
}

func TestNegatedMatcherInCondition(t *testing.T) {
	dto := validDTO()
	dto.Conditions[0].MatcherGroup.Matchers[0].Negate = true
	s := NewSplit(dto, kitlog.NewNopLogger())
	cond := s.Conditions()[0]
	assert.False(t, cond.Matches("alice", nil, nil))
	assert.True(t, cond.Matches("bob", nil, nil))
}

func TestReferencedSegments(t *testing.T) {
	dto := validDTO()
	dto.Conditions[0].MatcherGroup.Matchers = append(dto.Conditions[0].MatcherGroup.Matchers, dtos.MatcherDTO{
		MatcherType:        matchers.MatcherTypeInSegment,
		UserDefinedSegment: &dtos.UserDefinedSegmentMatcherDataDTO{SegmentName: "employees"},
	})
	s := NewSplit(dto, kitlog.NewNopLogger())
	assert.Equal(t, []string{"employees"}, s.ReferencedSegments())
}

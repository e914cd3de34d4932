package matchers

import (
	"strconv"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// Matcher data dataType values.
const (
	dataTypeNumber   = "NUMBER"
	dataTypeDatetime = "DATETIME"
)

// asInt64 coerces an attribute value to int64 for the numeric matchers.
// Bools are rejected even though they are integral in some host languages;
// floats truncate toward zero; numeric strings parse. Anything else fails.
func asInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case bool:
		return 0, false
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Datetime handling follows the backend convention: matcher data arrives as
// epoch millis and attribute values as epoch seconds. Both sides are
// truncated before comparison, to the minute for range matchers and to the
// day for equality.

func millisToSeconds(ts int64) int64 { return ts / 1000 }

func truncateSeconds(ts int64) int64 { return ts - ts%60 }

func truncateTime(ts int64) int64 { return ts - ts%86400 }

// zeroSecondData is the minute-granularity parser pair (between, gte, lte).
type zeroSecondData struct{}

func (zeroSecondData) parseData(dataType string, v int64) int64 {
	if dataType == dataTypeDatetime {
		return truncateSeconds(millisToSeconds(v))
	}
	return v
}

func (zeroSecondData) parseInput(dataType string, v int64) int64 {
	if dataType == dataTypeDatetime {
		return truncateSeconds(v)
	}
	return v
}

// zeroTimeData is the day-granularity parser pair (equal-to).
type zeroTimeData struct{}

func (zeroTimeData) parseData(dataType string, v int64) int64 {
	if dataType == dataTypeDatetime {
		return truncateTime(millisToSeconds(v))
	}
	return v
}

func (zeroTimeData) parseInput(dataType string, v int64) int64 {
	if dataType == dataTypeDatetime {
		return truncateTime(v)
	}
	return v
}

// unaryNumericMatcher covers EQUAL_TO, GREATER_THAN_OR_EQUAL_TO and
// LESS_THAN_OR_EQUAL_TO over NUMBER or DATETIME data.
type unaryNumericMatcher struct {
	base
	op       string
	dataType string
	value    int64
}

func newUnaryNumericMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*unaryNumericMatcher, error) {
	if dto.UnaryNumeric == nil {
		return nil, errors.Errorf("%s matcher without unaryNumericMatcherData", dto.MatcherType)
	}
	m := &unaryNumericMatcher{
		base:     newBase(dto, logger),
		op:       dto.MatcherType,
		dataType: dto.UnaryNumeric.DataType,
	}
	if m.op == MatcherTypeEqualTo {
		m.value = zeroTimeData{}.parseData(m.dataType, dto.UnaryNumeric.Value)
	} else {
		m.value = zeroSecondData{}.parseData(m.dataType, dto.UnaryNumeric.Value)
	}
	return m, nil
}

func (m *unaryNumericMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	raw, ok := m.matchingData(key, attributes)
	if !ok {
		return false
	}
	input, ok := asInt64(raw)
	if !ok {
		return false
	}
	switch m.op {
	case MatcherTypeEqualTo:
		return zeroTimeData{}.parseInput(m.dataType, input) == m.value
	case MatcherTypeGreaterThanOrEqualTo:
		return zeroSecondData{}.parseInput(m.dataType, input) >= m.value
	case MatcherTypeLessThanOrEqualTo:
		return zeroSecondData{}.parseInput(m.dataType, input) <= m.value
	}
	return false
}

// betweenMatcher covers BETWEEN, inclusive on both ends.
type betweenMatcher struct {
	base
	dataType string
	lower    int64
	upper    int64
}

func newBetweenMatcher(dto *dtos.MatcherDTO, logger log.Logger) (*betweenMatcher, error) {
	if dto.Between == nil {
		return nil, errors.New("BETWEEN matcher without betweenMatcherData")
	}
	parser := zeroSecondData{}
	return &betweenMatcher{
		base:     newBase(dto, logger),
		dataType: dto.Between.DataType,
		lower:    parser.parseData(dto.Between.DataType, dto.Between.Start),
		upper:    parser.parseData(dto.Between.DataType, dto.Between.End),
	}, nil
}

func (m *betweenMatcher) Match(key string, attributes map[string]interface{}, ctx *MatchContext) bool {
	raw, ok := m.matchingData(key, attributes)
	if !ok {
		return false
	}
	input, ok := asInt64(raw)
	if !ok {
		return false
	}
	v := zeroSecondData{}.parseInput(m.dataType, input)
	return m.lower <= v && v <= m.upper
}

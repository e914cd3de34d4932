// Package dtos holds the JSON wire types exchanged with the backend. Field
// names and tags must stay aligned with the public API contract; every SDK
// speaks exactly this shape.
package dtos

// SplitChangesDTO is the envelope returned by GET /splitChanges.
type SplitChangesDTO struct {
	FeatureFlags FeatureFlagsDTO `json:"ff"`
}

// FeatureFlagsDTO carries the flag deltas between two change numbers.
type FeatureFlagsDTO struct {
	Splits []SplitDTO `json:"d"`
	Since  int64      `json:"s"`
	Till   int64      `json:"t"`
}

// SplitDTO is one feature flag definition.
type SplitDTO struct {
	Name                  string                  `json:"name"`
	Seed                  int64                   `json:"seed"`
	Status                string                  `json:"status"`
	Killed                bool                    `json:"killed"`
	DefaultTreatment      string                  `json:"defaultTreatment"`
	TrafficTypeName       string                  `json:"trafficTypeName"`
	TrafficAllocation     *int                    `json:"trafficAllocation"`
	TrafficAllocationSeed int64                   `json:"trafficAllocationSeed"`
	Algo                  int                     `json:"algo"`
	ChangeNumber          int64                   `json:"changeNumber"`
	Conditions            []ConditionDTO          `json:"conditions"`
	Configurations        map[string]string       `json:"configurations"`
	Sets                  []string                `json:"sets"`
}

// ConditionDTO is one targeting rule of a flag.
type ConditionDTO struct {
	ConditionType string          `json:"conditionType"`
	MatcherGroup  MatcherGroupDTO `json:"matcherGroup"`
	Partitions    []PartitionDTO  `json:"partitions"`
	Label         string          `json:"label"`
}

// MatcherGroupDTO combines matchers; the only combiner in the wild is AND.
type MatcherGroupDTO struct {
	Combiner string       `json:"combiner"`
	Matchers []MatcherDTO `json:"matchers"`
}

// PartitionDTO assigns a share of the bucket space to a treatment.
type PartitionDTO struct {
	Treatment string `json:"treatment"`
	Size      int    `json:"size"`
}

// KeySelectorDTO chooses what the matcher reads: the key itself (attribute
// empty) or one attribute.
type KeySelectorDTO struct {
	TrafficType string  `json:"trafficType"`
	Attribute   *string `json:"attribute"`
}

// MatcherDTO is the tagged-union wire form of a matcher. Exactly one data
// block is populated according to MatcherType.
type MatcherDTO struct {
	KeySelector *KeySelectorDTO `json:"keySelector"`
	MatcherType string          `json:"matcherType"`
	Negate      bool            `json:"negate"`

	UserDefinedSegment *UserDefinedSegmentMatcherDataDTO `json:"userDefinedSegmentMatcherData,omitempty"`
	Whitelist          *WhitelistMatcherDataDTO          `json:"whitelistMatcherData,omitempty"`
	UnaryNumeric       *UnaryNumericMatcherDataDTO       `json:"unaryNumericMatcherData,omitempty"`
	Between            *BetweenMatcherDataDTO            `json:"betweenMatcherData,omitempty"`
	String             *string                           `json:"stringMatcherData,omitempty"`
	BetweenString      *BetweenStringMatcherDataDTO      `json:"betweenStringMatcherData,omitempty"`
	Boolean            *bool                             `json:"booleanMatcherData,omitempty"`
	Dependency         *DependencyMatcherDataDTO         `json:"dependencyMatcherData,omitempty"`
}

// UserDefinedSegmentMatcherDataDTO references a segment by name.
type UserDefinedSegmentMatcherDataDTO struct {
	SegmentName string `json:"segmentName"`
}

// WhitelistMatcherDataDTO carries a plain string list. Reused by the
// starts-with/ends-with/contains families and the semver list matcher.
type WhitelistMatcherDataDTO struct {
	Whitelist []string `json:"whitelist"`
}

// UnaryNumericMatcherDataDTO carries one numeric operand. DataType is NUMBER
// or DATETIME (millis since epoch).
type UnaryNumericMatcherDataDTO struct {
	DataType string `json:"dataType"`
	Value    int64  `json:"value"`
}

// BetweenMatcherDataDTO carries an inclusive numeric range.
type BetweenMatcherDataDTO struct {
	DataType string `json:"dataType"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// BetweenStringMatcherDataDTO carries an inclusive semver range.
type BetweenStringMatcherDataDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DependencyMatcherDataDTO references another flag plus the treatments that
// count as a match.
type DependencyMatcherDataDTO struct {
	Split      string   `json:"split"`
	Treatments []string `json:"treatments"`
}

// SegmentChangesDTO is the response of GET /segmentChanges/{name}.
type SegmentChangesDTO struct {
	Name    string   `json:"name"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Since   int64    `json:"since"`
	Till    int64    `json:"till"`
}

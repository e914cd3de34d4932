package engine

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/splitio/go-client/engine/grammar"
	"github.com/splitio/go-client/engine/grammar/matchers"
)

// Control is the sentinel treatment returned when no evaluation can be
// performed.
const Control = "control"

// Impression labels produced by the evaluator and the client layer.
const (
	LabelKilled             = "killed"
	LabelDefaultRule        = "default rule"
	LabelNotInSplit         = "not in split"
	LabelDefinitionNotFound = "definition not found"
	LabelException          = "exception"
	LabelNotReady           = "not ready"
	LabelDestroyed          = "sdk destroyed"
)

// Result is the outcome of evaluating one feature for one key.
type Result struct {
	Treatment      string
	Label          string
	ChangeNumber   int64
	Config         *string
	EvaluationTime time.Duration
}

// SplitProvider is the flag-read surface the evaluator needs. FetchMany must
// resolve every name against one consistent snapshot.
type SplitProvider interface {
	Split(name string) *grammar.Split
	FetchMany(names []string) map[string]*grammar.Split
}

// Evaluator interprets flag definitions against keys and attributes. It is
// stateless and safe for concurrent use.
type Evaluator struct {
	splits        SplitProvider
	segments      matchers.SegmentView
	largeSegments matchers.SegmentView
	logger        log.Logger
}

// NewEvaluator builds an evaluator over the given read views. largeSegments
// may be nil when the storage flavour has no large-segment support.
func NewEvaluator(splits SplitProvider, segments matchers.SegmentView, largeSegments matchers.SegmentView, logger log.Logger) *Evaluator {
	return &Evaluator{
		splits:        splits,
		segments:      segments,
		largeSegments: largeSegments,
		logger:        logger,
	}
}

// EvaluateFeature resolves one feature. A nil bucketingKey falls back to the
// matching key. Failures degrade to control; nothing panics out.
func (e *Evaluator) EvaluateFeature(key string, bucketingKey *string, feature string, attributes map[string]interface{}) *Result {
	before := time.Now()
	split := e.splits.Split(feature)
	if split == nil {
		level.Warn(e.logger).Log("msg", "feature flag not found in storage", "feature", feature)
		return &Result{Treatment: Control, Label: LabelDefinitionNotFound, ChangeNumber: -1, EvaluationTime: time.Since(before)}
	}
	result := e.evaluateSplit(split, key, bucketingKey, attributes, 0)
	result.EvaluationTime = time.Since(before)
	return result
}

// EvaluateFeatures resolves many features against a single flag snapshot.
func (e *Evaluator) EvaluateFeatures(key string, bucketingKey *string, features []string, attributes map[string]interface{}) map[string]*Result {
	before := time.Now()
	splits := e.splits.FetchMany(features)
	results := make(map[string]*Result, len(features))
	for _, feature := range features {
		split := splits[feature]
		if split == nil {
			level.Warn(e.logger).Log("msg", "feature flag not found in storage", "feature", feature)
			results[feature] = &Result{Treatment: Control, Label: LabelDefinitionNotFound, ChangeNumber: -1}
			continue
		}
		results[feature] = e.evaluateSplit(split, key, bucketingKey, attributes, 0)
	}
	elapsed := time.Since(before)
	for _, r := range results {
		r.EvaluationTime = elapsed
	}
	return results
}

// EvaluateDependency implements matchers.DependencyEvaluator: it resolves an
// in-split-treatment reference and returns only the treatment.
func (e *Evaluator) EvaluateDependency(key string, bucketingKey *string, feature string, attributes map[string]interface{}, depth int) string {
	split := e.splits.Split(feature)
	if split == nil {
		return Control
	}
	return e.evaluateSplit(split, key, bucketingKey, attributes, depth).Treatment
}

func (e *Evaluator) evaluateSplit(split *grammar.Split, key string, bucketingKey *string, attributes map[string]interface{}, depth int) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "panic during flag evaluation, returning control",
				"feature", split.Name(), "panic", r)
			result = &Result{Treatment: Control, Label: LabelException, ChangeNumber: split.ChangeNumber()}
		}
	}()

	if split.Killed() {
		return &Result{
			Treatment:    split.DefaultTreatment(),
			Label:        LabelKilled,
			ChangeNumber: split.ChangeNumber(),
			Config:       configFor(split, split.DefaultTreatment()),
		}
	}

	bk := key
	if bucketingKey != nil && *bucketingKey != "" {
		bk = *bucketingKey
	}
	ctx := &matchers.MatchContext{
		BucketingKey:  bucketingKey,
		Segments:      e.segments,
		LargeSegments: e.largeSegments,
		Dependency:    e,
		Depth:         depth,
	}

	// Whitelist conditions bypass the rollout gate; the gate applies once,
	// when the walk first reaches a rollout condition.
	inRollout := false
	for _, condition := range split.Conditions() {
		if !inRollout && condition.ConditionType() == grammar.ConditionTypeRollout {
			inRollout = true
			if ta := split.TrafficAllocation(); ta < 100 {
				bucket := Bucket(bk, split.TrafficAllocationSeed(), split.Algo())
				if bucket > ta {
					return &Result{
						Treatment:    split.DefaultTreatment(),
						Label:        LabelNotInSplit,
						ChangeNumber: split.ChangeNumber(),
						Config:       configFor(split, split.DefaultTreatment()),
					}
				}
			}
		}
		if !condition.Matches(key, attributes, ctx) {
			continue
		}
		treatment := GetTreatment(bk, split.Seed(), condition.Partitions(), split.Algo())
		if treatment == "" {
			return &Result{Treatment: Control, Label: LabelException, ChangeNumber: split.ChangeNumber()}
		}
		return &Result{
			Treatment:    treatment,
			Label:        condition.Label(),
			ChangeNumber: split.ChangeNumber(),
			Config:       configFor(split, treatment),
		}
	}

	return &Result{
		Treatment:    split.DefaultTreatment(),
		Label:        LabelDefaultRule,
		ChangeNumber: split.ChangeNumber(),
		Config:       configFor(split, split.DefaultTreatment()),
	}
}

func configFor(split *grammar.Split, treatment string) *string {
	if cfg, ok := split.Configurations()[treatment]; ok {
		return &cfg
	}
	return nil
}

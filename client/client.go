package client

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine"
	"github.com/splitio/go-client/engine/impressions"
	"github.com/splitio/go-client/storage"
	"github.com/splitio/go-client/telemetry"
)

// TreatmentResult pairs a treatment with its optional configuration payload.
type TreatmentResult struct {
	Treatment string
	Config    *string
}

// SplitClient evaluates feature flags and tracks events. Obtain one from the
// factory; it stays valid until the factory is destroyed.
type SplitClient struct {
	factory           *SplitFactory
	evaluator         *engine.Evaluator
	splits            storage.SplitStorage
	impressionQueue   storage.ImpressionStorage
	eventQueue        storage.EventStorage
	impressionManager *impressions.Manager
	listener          *impressions.ListenerWorker
	evalTelemetry     telemetry.EvaluationTelemetry
	labelsEnabled     bool
	logger            log.Logger
}

func controlResult(label string) *engine.Result {
	return &engine.Result{Treatment: engine.Control, Label: label, ChangeNumber: -1}
}

// guard handles the checks shared by every evaluation entry point. The
// second return is false when the evaluation must not proceed; the first is
// the control outcome to hand back in that case.
func (c *SplitClient) guard(method string) (*engine.Result, bool) {
	if c.factory.IsDestroyed() {
		level.Error(c.logger).Log("msg", "client called after destroy", "method", method)
		return controlResult(engine.LabelDestroyed), false
	}
	if !c.factory.IsReady() {
		level.Warn(c.logger).Log("msg", "the SDK is not ready, results may be incorrect", "method", method)
		c.evalTelemetry.RecordNonReadyUsage()
		return controlResult(engine.LabelNotReady), false
	}
	return nil, true
}

// recordEvaluation stores the impression of one evaluation outcome unless
// the outcome is one that must stay invisible.
func (c *SplitClient) recordEvaluation(matchingKey string, bucketingKey *string, feature string, result *engine.Result, attributes map[string]interface{}) {
	if result.Label == engine.LabelDefinitionNotFound {
		return
	}
	impression := dtos.Impression{
		KeyName:      matchingKey,
		FeatureName:  feature,
		Treatment:    result.Treatment,
		Label:        result.Label,
		ChangeNumber: result.ChangeNumber,
		Time:         time.Now().UnixMilli(),
	}
	if bucketingKey != nil {
		impression.BucketingKey = *bucketingKey
	}
	if !c.labelsEnabled {
		impression.Label = ""
	}

	if c.listener != nil {
		c.listener.Submit(impression, attributes)
	}

	forQueue := []dtos.Impression{impression}
	if c.impressionManager != nil {
		forQueue = c.impressionManager.Process(forQueue)
	}
	if len(forQueue) == 0 {
		return
	}
	if err := c.impressionQueue.LogImpressions(forQueue); err != nil {
		level.Warn(c.logger).Log("msg", "could not queue impression", "err", err)
	}
}

// evaluateOne runs the whole single-flag path: validation, evaluation,
// impression, telemetry.
func (c *SplitClient) evaluateOne(method string, key interface{}, feature string, attributes map[string]interface{}) *engine.Result {
	if result, ok := c.guard(method); !ok {
		return result
	}
	start := time.Now()
	defer func() { c.evalTelemetry.RecordLatency(method, time.Since(start)) }()

	matchingKey, bucketingKey, ok := parseKey(c.logger, method, key)
	if !ok {
		return controlResult(engine.LabelException)
	}
	feature, ok = validateFeatureName(c.logger, method, feature)
	if !ok {
		return controlResult(engine.LabelException)
	}

	result := c.evaluator.EvaluateFeature(matchingKey, bucketingKey, feature, attributes)
	if result.Label == engine.LabelException {
		c.evalTelemetry.RecordException(method)
	}
	c.recordEvaluation(matchingKey, bucketingKey, feature, result, attributes)
	return result
}

// evaluateMany runs the multi-flag path against one storage snapshot.
func (c *SplitClient) evaluateMany(method string, key interface{}, features []string, attributes map[string]interface{}) map[string]*engine.Result {
	results := map[string]*engine.Result{}
	if result, ok := c.guard(method); !ok {
		for _, feature := range features {
			if trimmed, nameOK := validateFeatureName(c.logger, method, feature); nameOK {
				results[trimmed] = result
			}
		}
		return results
	}
	start := time.Now()
	defer func() { c.evalTelemetry.RecordLatency(method, time.Since(start)) }()

	valid := validateFeatureNames(c.logger, method, features)
	if len(valid) == 0 {
		level.Error(c.logger).Log("msg", "no valid feature flag names", "method", method)
		return results
	}
	matchingKey, bucketingKey, ok := parseKey(c.logger, method, key)
	if !ok {
		for _, feature := range valid {
			results[feature] = controlResult(engine.LabelException)
		}
		return results
	}

	evaluated := c.evaluator.EvaluateFeatures(matchingKey, bucketingKey, valid, attributes)
	for feature, result := range evaluated {
		if result.Label == engine.LabelException {
			c.evalTelemetry.RecordException(method)
		}
		c.recordEvaluation(matchingKey, bucketingKey, feature, result, attributes)
		results[feature] = result
	}
	return results
}

// Treatment evaluates one feature flag for a key. key is a string or a *Key.
// Any failure returns "control".
func (c *SplitClient) Treatment(key interface{}, feature string, attributes map[string]interface{}) string {
	return c.evaluateOne(telemetry.Treatment, key, feature, attributes).Treatment
}

// TreatmentWithConfig is Treatment plus the configuration attached to the
// returned treatment, if any.
func (c *SplitClient) TreatmentWithConfig(key interface{}, feature string, attributes map[string]interface{}) TreatmentResult {
	result := c.evaluateOne(telemetry.TreatmentWithConfig, key, feature, attributes)
	return TreatmentResult{Treatment: result.Treatment, Config: result.Config}
}

// Treatments evaluates several flags against one storage snapshot.
func (c *SplitClient) Treatments(key interface{}, features []string, attributes map[string]interface{}) map[string]string {
	return treatmentsOnly(c.evaluateMany(telemetry.Treatments, key, features, attributes))
}

// TreatmentsWithConfig is Treatments with configuration payloads.
func (c *SplitClient) TreatmentsWithConfig(key interface{}, features []string, attributes map[string]interface{}) map[string]TreatmentResult {
	return treatmentsWithConfig(c.evaluateMany(telemetry.TreatmentsWithConfig, key, features, attributes))
}

// TreatmentsByFlagSet evaluates every flag belonging to one flag set.
func (c *SplitClient) TreatmentsByFlagSet(key interface{}, set string, attributes map[string]interface{}) map[string]string {
	features := c.featuresBySets(telemetry.TreatmentsByFlagSet, []string{set})
	return treatmentsOnly(c.evaluateMany(telemetry.TreatmentsByFlagSet, key, features, attributes))
}

// TreatmentsByFlagSets evaluates every flag belonging to any of the sets.
func (c *SplitClient) TreatmentsByFlagSets(key interface{}, sets []string, attributes map[string]interface{}) map[string]string {
	features := c.featuresBySets(telemetry.TreatmentsByFlagSets, sets)
	return treatmentsOnly(c.evaluateMany(telemetry.TreatmentsByFlagSets, key, features, attributes))
}

// TreatmentsWithConfigByFlagSet is TreatmentsByFlagSet with configurations.
func (c *SplitClient) TreatmentsWithConfigByFlagSet(key interface{}, set string, attributes map[string]interface{}) map[string]TreatmentResult {
	features := c.featuresBySets(telemetry.TreatmentsWithConfigByFlagSet, []string{set})
	return treatmentsWithConfig(c.evaluateMany(telemetry.TreatmentsWithConfigByFlagSet, key, features, attributes))
}

// TreatmentsWithConfigByFlagSets is TreatmentsByFlagSets with configurations.
func (c *SplitClient) TreatmentsWithConfigByFlagSets(key interface{}, sets []string, attributes map[string]interface{}) map[string]TreatmentResult {
	features := c.featuresBySets(telemetry.TreatmentsWithConfigByFlagSets, sets)
	return treatmentsWithConfig(c.evaluateMany(telemetry.TreatmentsWithConfigByFlagSets, key, features, attributes))
}

func (c *SplitClient) featuresBySets(method string, sets []string) []string {
	valid := sanitizeFlagSets(c.logger, sets)
	if len(valid) == 0 {
		level.Error(c.logger).Log("msg", "no valid flag set names", "method", method)
		return nil
	}
	seen := map[string]struct{}{}
	features := []string{}
	for _, names := range c.splits.NamesByFlagSets(valid) {
		for _, name := range names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			features = append(features, name)
		}
	}
	return features
}

func treatmentsOnly(results map[string]*engine.Result) map[string]string {
	out := make(map[string]string, len(results))
	for feature, result := range results {
		out[feature] = result.Treatment
	}
	return out
}

func treatmentsWithConfig(results map[string]*engine.Result) map[string]TreatmentResult {
	out := make(map[string]TreatmentResult, len(results))
	for feature, result := range results {
		out[feature] = TreatmentResult{Treatment: result.Treatment, Config: result.Config}
	}
	return out
}

// Track queues one event. value may be nil or any numeric type; properties
// values are limited to strings, numbers, booleans and nil.
func (c *SplitClient) Track(key string, trafficType string, eventType string, value interface{}, properties map[string]interface{}) error {
	if c.factory.IsDestroyed() {
		level.Error(c.logger).Log("msg", "track called after destroy")
		return errors.New("client has been destroyed")
	}
	start := time.Now()
	defer func() { c.evalTelemetry.RecordLatency(telemetry.Track, time.Since(start)) }()

	if !validateSimpleKey(c.logger, telemetry.Track, "matching", key) {
		return errors.New("track: invalid key")
	}
	trafficType, ok := validateTrafficType(c.logger, telemetry.Track, trafficType)
	if !ok {
		return errors.New("track: invalid traffic type")
	}
	if !validateEventType(c.logger, eventType) {
		return errors.New("track: invalid event type")
	}
	value, ok = validateTrackValue(c.logger, value)
	if !ok {
		return errors.New("track: invalid value")
	}
	properties, size, ok := validateTrackProperties(c.logger, properties)
	if !ok {
		return errors.New("track: properties too large")
	}

	if c.factory.IsReady() && !c.splits.TrafficTypeExists(trafficType) {
		level.Warn(c.logger).Log("msg", "traffic type does not have any corresponding feature flags in this environment",
			"trafficType", trafficType)
	}

	event := dtos.EventDTO{
		Key:             key,
		TrafficTypeName: trafficType,
		EventTypeID:     eventType,
		Value:           value,
		Timestamp:       time.Now().UnixMilli(),
		Properties:      properties,
	}
	if err := c.eventQueue.Push(event, size); err != nil {
		return errors.Wrap(err, "queueing event")
	}
	return nil
}

// BlockUntilReady waits up to timeout seconds for the SDK to be ready.
func (c *SplitClient) BlockUntilReady(timeout int) error {
	return c.factory.BlockUntilReady(timeout)
}

// Destroy shuts down the whole factory this client belongs to.
func (c *SplitClient) Destroy() {
	c.factory.Destroy()
}

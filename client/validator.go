// Package client is the public surface of the SDK: the factory that wires
// one of the three operation modes, the client with the treatment and track
// operations, and the manager view over cached flags.
package client

import (
	"regexp"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const maxKeyLength = 250

// maxEventBytes bounds the serialized size of one event, properties
// included. The base accounts for the fixed fields.
const (
	maxEventBytes      = 32768
	eventBytesBase     = 1024
	maxEventProperties = 300
)

var (
	eventTypeRegex = regexp.MustCompile(`^[a-zA-Z0-9][-_.:a-zA-Z0-9]{0,79}$`)
	flagSetRegex   = regexp.MustCompile(`^[a-z0-9][_a-z0-9]{0,49}$`)
)

// Key carries separate matching and bucketing keys: the matching key drives
// rule evaluation, the bucketing key the hash-to-bucket computation.
type Key struct {
	MatchingKey  string
	BucketingKey string
}

// validateSimpleKey checks one key component.
func validateSimpleKey(logger log.Logger, method string, role string, value string) bool {
	if strings.TrimSpace(value) == "" {
		level.Error(logger).Log("msg", "you passed an empty key, key must be a non-empty string", "method", method, "role", role)
		return false
	}
	if len(value) > maxKeyLength {
		level.Error(logger).Log("msg", "key too long, must not exceed 250 characters", "method", method, "role", role)
		return false
	}
	return true
}

// parseKey accepts a plain string or a *Key and returns the matching and
// bucketing keys.
func parseKey(logger log.Logger, method string, key interface{}) (string, *string, bool) {
	switch k := key.(type) {
	case string:
		if !validateSimpleKey(logger, method, "matching", k) {
			return "", nil, false
		}
		return k, nil, true
	case *Key:
		if k == nil {
			level.Error(logger).Log("msg", "you passed a nil key, key must be a non-empty string or a Key", "method", method)
			return "", nil, false
		}
		if !validateSimpleKey(logger, method, "matching", k.MatchingKey) ||
			!validateSimpleKey(logger, method, "bucketing", k.BucketingKey) {
			return "", nil, false
		}
		bucketing := k.BucketingKey
		return k.MatchingKey, &bucketing, true
	case Key:
		return parseKey(logger, method, &k)
	default:
		level.Error(logger).Log("msg", "you passed an invalid key, key must be a non-empty string or a Key", "method", method)
		return "", nil, false
	}
}

// validateFeatureName trims and rejects empty flag names.
func validateFeatureName(logger log.Logger, method string, name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		level.Error(logger).Log("msg", "you passed an empty feature flag name, flag name must be a non-empty string", "method", method)
		return "", false
	}
	if trimmed != name {
		level.Warn(logger).Log("msg", "feature flag name has extra whitespace, trimming", "method", method, "flag", trimmed)
	}
	return trimmed, true
}

// validateFeatureNames filters a list down to its valid members.
func validateFeatureNames(logger log.Logger, method string, names []string) []string {
	valid := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed, ok := validateFeatureName(logger, method, name); ok {
			valid = append(valid, trimmed)
		}
	}
	return valid
}

// validateTrafficType lowercases the traffic type, warning on conversion.
func validateTrafficType(logger log.Logger, method string, trafficType string) (string, bool) {
	if strings.TrimSpace(trafficType) == "" {
		level.Error(logger).Log("msg", "you passed an empty traffic type, traffic type must be a non-empty string", "method", method)
		return "", false
	}
	lower := strings.ToLower(trafficType)
	if lower != trafficType {
		level.Warn(logger).Log("msg", "traffic type should be all lowercase, converting", "method", method, "trafficType", lower)
	}
	return lower, true
}

// validateEventType checks the track event-type id against the accepted
// pattern.
func validateEventType(logger log.Logger, eventType string) bool {
	if !eventTypeRegex.MatchString(eventType) {
		level.Error(logger).Log("msg", "event type must adhere to [a-zA-Z0-9][-_.:a-zA-Z0-9]{0,79}", "eventType", eventType)
		return false
	}
	return true
}

// validateTrackValue accepts nil or any numeric value, normalized to float64.
func validateTrackValue(logger log.Logger, value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		level.Error(logger).Log("msg", "track value must be a number or nil")
		return nil, false
	}
}

// validateTrackProperties sanitizes the property map: only strings, numbers,
// booleans and nil survive; others are nulled with a warning. Entries beyond
// the cap are dropped. The returned size is the serialized-bytes estimate
// used for queue accounting.
func validateTrackProperties(logger log.Logger, properties map[string]interface{}) (map[string]interface{}, int, bool) {
	size := eventBytesBase
	if properties == nil {
		return nil, size, true
	}
	if len(properties) > maxEventProperties {
		level.Warn(logger).Log("msg", "event has more than 300 properties, some will be trimmed when processed",
			"count", len(properties))
	}

	sanitized := make(map[string]interface{}, len(properties))
	count := 0
	for name, value := range properties {
		if count >= maxEventProperties {
			break
		}
		count++
		size += len(name)
		switch v := value.(type) {
		case string:
			size += len(v)
			sanitized[name] = v
		case int, int32, int64, uint, uint32, uint64, float32, float64, bool, nil:
			sanitized[name] = v
		default:
			level.Warn(logger).Log("msg", "property value is not a string, number, bool or nil, setting to nil", "property", name)
			sanitized[name] = nil
		}
		if size > maxEventBytes {
			level.Error(logger).Log("msg", "the maximum size allowed for the properties is 32kb, event not queued")
			return nil, size, false
		}
	}
	return sanitized, size, true
}

// sanitizeFlagSets lowercases, trims, validates and dedupes flag-set names.
func sanitizeFlagSets(logger log.Logger, sets []string) []string {
	seen := map[string]struct{}{}
	valid := []string{}
	for _, set := range sets {
		sanitized := strings.ToLower(strings.TrimSpace(set))
		if sanitized != set {
			level.Warn(logger).Log("msg", "flag set name should be all lowercase and trimmed, sanitizing", "flagSet", sanitized)
		}
		if !flagSetRegex.MatchString(sanitized) {
			level.Warn(logger).Log("msg", "you passed an invalid flag set name, it must adhere to ^[a-z0-9][_a-z0-9]{0,49}$", "flagSet", set)
			continue
		}
		if _, dup := seen[sanitized]; dup {
			continue
		}
		seen[sanitized] = struct{}{}
		valid = append(valid, sanitized)
	}
	sort.Strings(valid)
	return valid
}

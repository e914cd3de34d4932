package client

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	logger := log.NewNopLogger()

	matching, bucketing, ok := parseKey(logger, "treatment", "user-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", matching)
	assert.Nil(t, bucketing)

	matching, bucketing, ok = parseKey(logger, "treatment", &Key{MatchingKey: "user-1", BucketingKey: "bucket-9"})
	require.True(t, ok)
	assert.Equal(t, "user-1", matching)
	require.NotNil(t, bucketing)
	assert.Equal(t, "bucket-9", *bucketing)

	// A Key value works the same as a pointer.
	matching, bucketing, ok = parseKey(logger, "treatment", Key{MatchingKey: "user-2", BucketingKey: "bucket-2"})
	require.True(t, ok)
	assert.Equal(t, "user-2", matching)
	require.NotNil(t, bucketing)

	for name, key := range map[string]interface{}{
		"empty string":        "",
		"whitespace only":     "   ",
		"over 250 chars":      strings.Repeat("k", 251),
		"nil key pointer":     (*Key)(nil),
		"numeric key":         42,
		"nil value":           nil,
		"empty matching":      &Key{BucketingKey: "b"},
		"empty bucketing":     &Key{MatchingKey: "m"},
		"long bucketing part": &Key{MatchingKey: "m", BucketingKey: strings.Repeat("b", 251)},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, ok := parseKey(logger, "treatment", key)
			assert.False(t, ok)
		})
	}
}

func TestValidateFeatureName(t *testing.T) {
	logger := log.NewNopLogger()

	name, ok := validateFeatureName(logger, "treatment", "  checkout ")
	require.True(t, ok)
	assert.Equal(t, "checkout", name)

	_, ok = validateFeatureName(logger, "treatment", "   ")
	assert.False(t, ok)

	valid := validateFeatureNames(logger, "treatments", []string{"a", "", " b ", "  "})
	assert.Equal(t, []string{"a", "b"}, valid)
}

func TestValidateTrafficType(t *testing.T) {
	logger := log.NewNopLogger()

	tt, ok := validateTrafficType(logger, "track", "Account")
	require.True(t, ok)
	assert.Equal(t, "account", tt)

	_, ok = validateTrafficType(logger, "track", "")
	assert.False(t, ok)
}

func TestValidateEventType(t *testing.T) {
	logger := log.NewNopLogger()

	assert.True(t, validateEventType(logger, "checkout.completed"))
	assert.True(t, validateEventType(logger, "CLICK-1:nav_bar"))
	assert.False(t, validateEventType(logger, ""))
	assert.False(t, validateEventType(logger, ".starts-with-dot"))
	assert.False(t, validateEventType(logger, "has spaces"))
	assert.False(t, validateEventType(logger, strings.Repeat("e", 81)))
}

func TestValidateTrackValue(t *testing.T) {
	logger := log.NewNopLogger()

	value, ok := validateTrackValue(logger, 42)
	require.True(t, ok)
	assert.Equal(t, float64(42), value)

	value, ok = validateTrackValue(logger, 1.5)
	require.True(t, ok)
	assert.Equal(t, 1.5, value)

	value, ok = validateTrackValue(logger, nil)
	require.True(t, ok)
	assert.Nil(t, value)

	_, ok = validateTrackValue(logger, "not a number")
	assert.False(t, ok)
}

func TestValidateTrackProperties(t *testing.T) {
	logger := log.NewNopLogger()

	props, size, ok := validateTrackProperties(logger, map[string]interface{}{
		"plan":     "premium",
		"seats":    5,
		"active":   true,
		"missing":  nil,
		"channels": []string{"a"},
	})
	require.True(t, ok)
	assert.Greater(t, size, eventBytesBase)
	assert.Equal(t, "premium", props["plan"])
	assert.Equal(t, 5, props["seats"])
	assert.Equal(t, true, props["active"])
	assert.Nil(t, props["missing"])
	// Unsupported types degrade to nil instead of rejecting the event.
	assert.Nil(t, props["channels"])

	props, size, ok = validateTrackProperties(logger, nil)
	require.True(t, ok)
	assert.Nil(t, props)
	assert.Equal(t, eventBytesBase, size)
}

func TestValidateTrackPropertiesSizeCap(t *testing.T) {
	logger := log.NewNopLogger()

	oversized := map[string]interface{}{"blob": strings.Repeat("x", maxEventBytes)}
	_, _, ok := validateTrackProperties(logger, oversized)
	assert.False(t, ok)
}

func TestValidateTrackPropertiesCountCap(t *testing.T) {
	logger := log.NewNopLogger()

	many := make(map[string]interface{}, maxEventProperties+10)
	for i := 0; i < maxEventProperties+10; i++ {
		many[strings.Repeat("p", 3)+string(rune('a'+i%26))+string(rune('a'+i/26))] = i
	}
	props, _, ok := validateTrackProperties(logger, many)
	require.True(t, ok)
	assert.LessOrEqual(t, len(props), maxEventProperties)
}

func TestSanitizeFlagSets(t *testing.T) {
	logger := log.NewNopLogger()

	valid := sanitizeFlagSets(logger, []string{" Backend ", "frontend", "frontend", "UPPER ONLY!", "9starts_ok"})
	assert.Equal(t, []string{"9starts_ok", "backend", "frontend"}, valid)

	assert.Empty(t, sanitizeFlagSets(logger, []string{"-bad", "also bad", strings.Repeat("s", 51)}))
}

package conf

import (
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.StreamingEnabled)
	assert.True(t, cfg.IPAddressesEnabled)
	assert.True(t, cfg.LabelsEnabled)
	assert.Equal(t, ImpressionsModeOptimized, cfg.ImpressionsMode)

	assert.Equal(t, 30*time.Second, cfg.TaskPeriods.SplitSync)
	assert.Equal(t, 60*time.Second, cfg.TaskPeriods.SegmentSync)
	assert.Equal(t, 60*time.Second, cfg.TaskPeriods.ImpressionSync)
	assert.Equal(t, 60*time.Second, cfg.TaskPeriods.EventsSync)
	assert.Equal(t, time.Hour, cfg.TaskPeriods.TelemetrySync)

	assert.Equal(t, 1500*time.Millisecond, cfg.Advanced.ConnectionTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Advanced.ReadTimeout)
	assert.Equal(t, 5000, cfg.Advanced.ImpressionsQueueSize)
	assert.Equal(t, 10000, cfg.Advanced.EventsQueueSize)

	assert.Equal(t, "https://sdk.split.io/api", cfg.Advanced.SdkURL)
	assert.Equal(t, "https://events.split.io/api", cfg.Advanced.EventsURL)
	assert.Equal(t, "https://auth.split.io/api", cfg.Advanced.AuthServiceURL)
	assert.Equal(t, "https://streaming.split.io/sse", cfg.Advanced.StreamingServiceURL)
	assert.Equal(t, "https://telemetry.split.io/api/v1", cfg.Advanced.TelemetryServiceURL)
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
streaming_enabled: false
impressions_mode: DEBUG
task_periods:
  split_sync: 10s
  segment_sync: 45s
advanced:
  sdk_url: https://sdk.example.com/api
  events_queue_size: 512
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	assert.False(t, cfg.StreamingEnabled)
	assert.Equal(t, ImpressionsModeDebug, cfg.ImpressionsMode)
	assert.Equal(t, 10*time.Second, cfg.TaskPeriods.SplitSync)
	assert.Equal(t, 45*time.Second, cfg.TaskPeriods.SegmentSync)
	assert.Equal(t, "https://sdk.example.com/api", cfg.Advanced.SdkURL)
	assert.Equal(t, 512, cfg.Advanced.EventsQueueSize)

	// untouched keys keep their defaults
	assert.Equal(t, 60*time.Second, cfg.TaskPeriods.EventsSync)
	assert.Equal(t, "https://events.split.io/api", cfg.Advanced.EventsURL)
}

func TestNormalizeImpressionsMode(t *testing.T) {
	logger := log.NewNopLogger()

	tests := []struct {
		in   string
		want string
	}{
		{"optimized", ImpressionsModeOptimized},
		{"debug", ImpressionsModeDebug},
		{" none ", ImpressionsModeNone},
		{"DEBUG", ImpressionsModeDebug},
		{"bogus", ImpressionsModeOptimized},
		{"", ImpressionsModeOptimized},
	}
	for _, tc := range tests {
		cfg := Default()
		cfg.ImpressionsMode = tc.in
		cfg.Normalize(logger)
		assert.Equal(t, tc.want, cfg.ImpressionsMode, "mode %q", tc.in)
	}
}

func TestNormalizeRates(t *testing.T) {
	cfg := Default()
	cfg.TaskPeriods.SplitSync = -5 * time.Second
	cfg.TaskPeriods.EventsSync = 0
	cfg.Advanced.ImpressionsQueueSize = -1

	cfg.Normalize(log.NewNopLogger())

	assert.Equal(t, 30*time.Second, cfg.TaskPeriods.SplitSync)
	assert.Equal(t, 60*time.Second, cfg.TaskPeriods.EventsSync)
	assert.Equal(t, 5000, cfg.Advanced.ImpressionsQueueSize)
}

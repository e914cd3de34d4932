package client

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/conf"
)

func storedRedisSplit(t *testing.T) string {
	t.Helper()
	raw, err := testJSON.Marshal(testFlag("cached_flag", allKeys("on")))
	require.NoError(t, err)
	return string(raw)
}

func writeFlagFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFactoryRejectsEmptyKey(t *testing.T) {
	_, err := NewSplitFactory("", nil)
	assert.Error(t, err)
}

func TestLocalhostModeFromYAML(t *testing.T) {
	path := writeFlagFile(t, "flags.yaml", `
- beta_feature:
    treatment: "on"
    keys: ["tester"]
    config: "{\"size\": 10}"
- beta_feature:
    treatment: "off"
- plain_feature:
    treatment: "on"
`)
	cfg := conf.Default()
	cfg.SplitFile = path
	factory, err := NewSplitFactory("localhost", cfg)
	require.NoError(t, err)
	t.Cleanup(factory.Destroy)

	assert.Equal(t, conf.OperationModeLocalhost, cfg.OperationMode)
	assert.True(t, factory.IsReady())
	require.NoError(t, factory.BlockUntilReady(1))

	client := factory.Client()
	assert.Equal(t, "on", client.Treatment("tester", "beta_feature", nil))
	assert.Equal(t, "off", client.Treatment("someone_else", "beta_feature", nil))
	assert.Equal(t, "on", client.Treatment("anyone", "plain_feature", nil))

	result := client.TreatmentWithConfig("tester", "beta_feature", nil)
	require.NotNil(t, result.Config)
	assert.JSONEq(t, `{"size": 10}`, *result.Config)

	assert.ElementsMatch(t, []string{"beta_feature", "plain_feature"}, factory.Manager().SplitNames())
}

func TestLocalhostModeFromLegacyFile(t *testing.T) {
	path := writeFlagFile(t, "split-file", `
# comment lines are skipped
dark_mode on
old_flow off
`)
	cfg := conf.Default()
	cfg.SplitFile = path
	factory, err := NewSplitFactory("localhost", cfg)
	require.NoError(t, err)
	t.Cleanup(factory.Destroy)

	assert.Equal(t, "on", factory.Client().Treatment("any_key", "dark_mode", nil))
	assert.Equal(t, "off", factory.Client().Treatment("any_key", "old_flow", nil))
}

func TestLocalhostModeMissingFile(t *testing.T) {
	cfg := conf.Default()
	cfg.SplitFile = filepath.Join(t.TempDir(), "does-not-exist")
	_, err := NewSplitFactory("localhost", cfg)
	assert.Error(t, err)
}

func TestBlockUntilReadyTimeout(t *testing.T) {
	path := writeFlagFile(t, "flags", "some_flag on\n")
	cfg := conf.Default()
	cfg.SplitFile = path
	factory, err := NewSplitFactory("localhost", cfg)
	require.NoError(t, err)
	t.Cleanup(factory.Destroy)

	// Ready factories return immediately regardless of timeout.
	assert.NoError(t, factory.BlockUntilReady(1))
	assert.Error(t, factory.BlockUntilReady(0))
}

func TestBlockUntilReadyExpires(t *testing.T) {
	// No backend listening: the initial sync keeps retrying and readiness
	// never arrives.
	cfg := conf.Default()
	cfg.StreamingEnabled = false
	cfg.Advanced.SdkURL = "http://127.0.0.1:1"
	cfg.Advanced.EventsURL = "http://127.0.0.1:1"
	cfg.Advanced.AuthServiceURL = "http://127.0.0.1:1"
	cfg.Advanced.TelemetryServiceURL = "http://127.0.0.1:1"

	factory, err := NewSplitFactory("test-sdk-key", cfg)
	require.NoError(t, err)
	t.Cleanup(factory.Destroy)

	start := time.Now()
	err = factory.BlockUntilReady(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SDK_READY timeout")
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), factory.runtime.BURTimeouts())
}

func TestRedisConsumerMode(t *testing.T) {
	mini := miniredis.RunT(t)
	mini.Set("myapp.SPLITIO.split.cached_flag", storedRedisSplit(t))
	mini.Set("myapp.SPLITIO.splits.till", "900")

	port, err := strconv.Atoi(mini.Port())
	require.NoError(t, err)

	cfg := conf.Default()
	cfg.Redis = &conf.RedisConfig{Host: mini.Host(), Port: port, Prefix: "myapp"}
	factory, err := NewSplitFactory("test-sdk-key", cfg)
	require.NoError(t, err)
	t.Cleanup(factory.Destroy)

	assert.Equal(t, conf.OperationModeRedisConsumer, cfg.OperationMode)
	assert.True(t, factory.IsReady())

	client := factory.Client()
	assert.Equal(t, "on", client.Treatment("anyone", "cached_flag", nil))

	// Impressions and events land in the shared queues for the external
	// synchronizer to drain.
	assert.Equal(t, int64(1), client.impressionQueue.Count())
	require.NoError(t, client.Track("user-1", "user", "conversion", nil, nil))
	assert.Equal(t, int64(1), client.eventQueue.Count())

	// The init-time config payload is pushed at construction.
	assert.True(t, mini.Exists("myapp.SPLITIO.telemetry.init"))

	view := factory.Manager().Split("cached_flag")
	require.NotNil(t, view)
	assert.Equal(t, "cached_flag", view.Name)
}

func TestRedisConsumerModeUnreachable(t *testing.T) {
	cfg := conf.Default()
	cfg.Redis = &conf.RedisConfig{Host: "127.0.0.1", Port: 1, DialTimeout: 100 * time.Millisecond}
	_, err := NewSplitFactory("test-sdk-key", cfg)
	assert.Error(t, err)
}

func TestFactoryRegistryCounts(t *testing.T) {
	pathA := writeFlagFile(t, "a", "flag_a on\n")
	pathB := writeFlagFile(t, "b", "flag_b on\n")

	cfgA := conf.Default()
	cfgA.SplitFile = pathA
	first, err := NewSplitFactory("localhost", cfgA)
	require.NoError(t, err)

	cfgB := conf.Default()
	cfgB.SplitFile = pathB
	second, err := NewSplitFactory("localhost", cfgB)
	require.NoError(t, err)

	active, redundant := factoryCounts()
	assert.GreaterOrEqual(t, active, int64(2))
	assert.GreaterOrEqual(t, redundant, int64(1))

	first.Destroy()
	second.Destroy()

	activeAfter, _ := factoryCounts()
	assert.Equal(t, active-2, activeAfter)
}

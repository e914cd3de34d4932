package conf

import (
	"flag"
	"io"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v2"
)

// Operation modes. The factory derives the mode from the sdk key and the
// presence of a Redis section; it is not set by the caller.
const (
	OperationModeInMemory      = "inmemory-standalone"
	OperationModeRedisConsumer = "redis-consumer"
	OperationModeLocalhost     = "localhost-standalone"
)

// Impression recording modes.
const (
	ImpressionsModeOptimized = "OPTIMIZED"
	ImpressionsModeDebug     = "DEBUG"
	ImpressionsModeNone      = "NONE"
)

// SplitSdkConfig is the configuration accepted when building a factory.
// Zero values are replaced by defaults via RegisterFlagsAndApplyDefaults.
type SplitSdkConfig struct {
	// OperationMode is derived during factory construction, never set by the host.
	OperationMode string `yaml:"-"`

	// InstanceName identifies this SDK instance in telemetry and impression
	// metadata. Defaults to the hostname.
	InstanceName string `yaml:"instance_name"`

	// IPAddress reported in metadata headers. Autodetected when empty.
	IPAddress string `yaml:"ip_address"`

	// IPAddressesEnabled disables the machine IP/name headers when false.
	IPAddressesEnabled bool `yaml:"ip_addresses_enabled"`

	// LabelsEnabled clears impression labels before they are queued when false.
	LabelsEnabled bool `yaml:"labels_enabled"`

	// StreamingEnabled turns the push subsystem on. When false the SDK relies
	// on polling only.
	StreamingEnabled bool `yaml:"streaming_enabled"`

	// ImpressionsMode is one of OPTIMIZED (default), DEBUG or NONE.
	ImpressionsMode string `yaml:"impressions_mode"`

	// ImpressionListener, when set, receives every queued impression on a
	// dedicated worker goroutine.
	ImpressionListener ImpressionListener `yaml:"-"`

	// SplitFile is the flag definition file used in localhost mode.
	// Defaults to $HOME/.split.
	SplitFile string `yaml:"split_file"`

	// FlagSetsFilter restricts synchronization to flags belonging to the
	// given flag sets. Invalid set names are discarded with a warning.
	FlagSetsFilter []string `yaml:"flag_sets_filter"`

	// Ready makes the factory constructor block until the SDK is ready, up
	// to the given duration. Zero means non-blocking construction.
	Ready time.Duration `yaml:"ready"`

	TaskPeriods TaskPeriods    `yaml:"task_periods"`
	Advanced    AdvancedConfig `yaml:"advanced"`

	// Redis switches the factory to consumer mode when non-nil.
	Redis *RedisConfig `yaml:"redis"`
}

// TaskPeriods groups the cadences of every periodic task.
type TaskPeriods struct {
	SplitSync      time.Duration `yaml:"split_sync"`
	SegmentSync    time.Duration `yaml:"segment_sync"`
	ImpressionSync time.Duration `yaml:"impression_sync"`
	CounterSync    time.Duration `yaml:"counter_sync"`
	EventsSync     time.Duration `yaml:"events_sync"`
	TelemetrySync  time.Duration `yaml:"telemetry_sync"`
	UniqueKeysSync time.Duration `yaml:"unique_keys_sync"`

	// RandomizeIntervals spreads every tick over [0.5x, 2x) of its period.
	RandomizeIntervals bool `yaml:"randomize_intervals"`
}

// AdvancedConfig holds transport tuning and endpoint overrides.
type AdvancedConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`

	ImpressionsQueueSize int `yaml:"impressions_queue_size"`
	ImpressionsBulkSize  int `yaml:"impressions_bulk_size"`
	EventsQueueSize      int `yaml:"events_queue_size"`
	EventsBulkSize       int `yaml:"events_bulk_size"`

	SdkURL              string `yaml:"sdk_url"`
	EventsURL           string `yaml:"events_url"`
	AuthServiceURL      string `yaml:"auth_service_url"`
	StreamingServiceURL string `yaml:"streaming_service_url"`
	TelemetryServiceURL string `yaml:"telemetry_service_url"`

	// StreamingRetryLimit bounds consecutive retryable streaming errors
	// before falling back to polling for the session. Zero means unbounded.
	StreamingRetryLimit int `yaml:"streaming_retry_limit"`
}

// RedisConfig configures the consumer-mode storage adapter.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database int    `yaml:"database"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// ImpressionListener receives every impression queued by the SDK. Calls are
// made off the evaluation hot path; a panicking listener is recovered and
// counted, never propagated.
type ImpressionListener interface {
	LogImpression(data ImpressionData)
}

// ImpressionData is the listener payload: one impression plus the attributes
// used for the evaluation and the SDK instance metadata.
type ImpressionData struct {
	Feature      string
	KeyName      string
	BucketingKey string
	Treatment    string
	Label        string
	ChangeNumber int64
	Time         int64
	Attributes   map[string]interface{}
	SDKVersion   string
	InstanceName string
	IP           string
}

// Default returns a config with every default applied.
func Default() *SplitSdkConfig {
	cfg := &SplitSdkConfig{}
	cfg.RegisterFlagsAndApplyDefaults(&flag.FlagSet{})
	return cfg
}

// RegisterFlagsAndApplyDefaults applies the documented defaults. No flags are
// registered; the SDK is configured programmatically or through Load.
func (cfg *SplitSdkConfig) RegisterFlagsAndApplyDefaults(f *flag.FlagSet) {
	cfg.IPAddressesEnabled = true
	cfg.LabelsEnabled = true
	cfg.StreamingEnabled = true
	cfg.ImpressionsMode = ImpressionsModeOptimized

	cfg.TaskPeriods.RegisterFlagsAndApplyDefaults(f)
	cfg.Advanced.RegisterFlagsAndApplyDefaults(f)
}

func (p *TaskPeriods) RegisterFlagsAndApplyDefaults(*flag.FlagSet) {
	p.SplitSync = 30 * time.Second
	p.SegmentSync = 60 * time.Second
	p.ImpressionSync = 60 * time.Second
	p.CounterSync = 30 * time.Minute
	p.EventsSync = 60 * time.Second
	p.TelemetrySync = time.Hour
	p.UniqueKeysSync = 15 * time.Minute
}

func (a *AdvancedConfig) RegisterFlagsAndApplyDefaults(*flag.FlagSet) {
	a.ConnectionTimeout = 1500 * time.Millisecond
	a.ReadTimeout = 1500 * time.Millisecond
	a.ImpressionsQueueSize = 5000
	a.ImpressionsBulkSize = 5000
	a.EventsQueueSize = 10000
	a.EventsBulkSize = 5000
	a.SdkURL = "https://sdk.split.io/api"
	a.EventsURL = "https://events.split.io/api"
	a.AuthServiceURL = "https://auth.split.io/api"
	a.StreamingServiceURL = "https://streaming.split.io/sse"
	a.TelemetryServiceURL = "https://telemetry.split.io/api/v1"
}

// Load parses a yaml document over a defaulted config.
func Load(r io.Reader) (*SplitSdkConfig, error) {
	cfg := Default()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize sanitizes user-supplied values in place, logging every
// adjustment. It never fails: invalid values fall back to defaults.
func (cfg *SplitSdkConfig) Normalize(logger log.Logger) {
	mode := strings.ToUpper(strings.TrimSpace(cfg.ImpressionsMode))
	switch mode {
	case ImpressionsModeOptimized, ImpressionsModeDebug, ImpressionsModeNone:
	default:
		level.Warn(logger).Log("msg", "invalid impressionsMode, defaulting to OPTIMIZED",
			"provided", cfg.ImpressionsMode)
		mode = ImpressionsModeOptimized
	}
	cfg.ImpressionsMode = mode

	defaults := TaskPeriods{}
	defaults.RegisterFlagsAndApplyDefaults(nil)
	clampPeriod(logger, "featuresRefreshRate", &cfg.TaskPeriods.SplitSync, defaults.SplitSync)
	clampPeriod(logger, "segmentsRefreshRate", &cfg.TaskPeriods.SegmentSync, defaults.SegmentSync)
	clampPeriod(logger, "impressionsRefreshRate", &cfg.TaskPeriods.ImpressionSync, defaults.ImpressionSync)
	clampPeriod(logger, "eventsPushRate", &cfg.TaskPeriods.EventsSync, defaults.EventsSync)
	clampPeriod(logger, "metricsRefreshRate", &cfg.TaskPeriods.TelemetrySync, defaults.TelemetrySync)
	clampPeriod(logger, "countersRefreshRate", &cfg.TaskPeriods.CounterSync, defaults.CounterSync)
	clampPeriod(logger, "uniqueKeysRefreshRate", &cfg.TaskPeriods.UniqueKeysSync, defaults.UniqueKeysSync)

	if cfg.Advanced.ImpressionsQueueSize <= 0 {
		cfg.Advanced.ImpressionsQueueSize = 5000
	}
	if cfg.Advanced.EventsQueueSize <= 0 {
		cfg.Advanced.EventsQueueSize = 10000
	}
	if cfg.Advanced.ImpressionsBulkSize <= 0 {
		cfg.Advanced.ImpressionsBulkSize = 5000
	}
	if cfg.Advanced.EventsBulkSize <= 0 {
		cfg.Advanced.EventsBulkSize = 5000
	}
}

func clampPeriod(logger log.Logger, name string, v *time.Duration, def time.Duration) {
	if *v > 0 {
		return
	}
	if *v < 0 {
		level.Warn(logger).Log("msg", "refresh rate must be positive, using default", "rate", name, "default", def)
	}
	*v = def
}

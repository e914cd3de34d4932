package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine"
	"github.com/splitio/go-client/engine/impressions"
	"github.com/splitio/go-client/push"
	"github.com/splitio/go-client/service/api"
	"github.com/splitio/go-client/service/local"
	"github.com/splitio/go-client/storage"
	"github.com/splitio/go-client/storage/inmemory"
	"github.com/splitio/go-client/storage/redisdb"
	"github.com/splitio/go-client/synchronizer"
	"github.com/splitio/go-client/telemetry"

	"github.com/go-redis/redis/v8"

	util_log "github.com/splitio/go-client/pkg/util/log"
)

// localhostKey switches the factory to localhost mode: flags come from a
// file, nothing reaches the backend.
const localhostKey = "localhost"

// destroyGrace bounds how long Destroy waits for final flushes and service
// shutdown.
const destroyGrace = 5 * time.Second

// pushFeedbackBuffer must absorb status emissions while the sync manager is
// busy handling a previous one.
const pushFeedbackBuffer = 16

// factoryRegistry tracks live factories per sdk key so instantiation misuse
// surfaces in logs and telemetry.
var (
	factoryRegistryMtx sync.Mutex
	factoryRegistry    = map[string]int64{}
)

func registerFactory(logger log.Logger, sdkKey string) {
	factoryRegistryMtx.Lock()
	defer factoryRegistryMtx.Unlock()
	if factoryRegistry[sdkKey] > 0 {
		level.Warn(logger).Log("msg", "you already have a factory instance for this sdk key, "+
			"we recommend keeping only one instance and reusing it throughout your application")
	} else if len(factoryRegistry) > 0 {
		level.Warn(logger).Log("msg", "you already have an instance of the Split factory, "+
			"make sure you definitely want this additional instance")
	}
	factoryRegistry[sdkKey]++
}

func unregisterFactory(sdkKey string) {
	factoryRegistryMtx.Lock()
	defer factoryRegistryMtx.Unlock()
	if factoryRegistry[sdkKey] <= 1 {
		delete(factoryRegistry, sdkKey)
		return
	}
	factoryRegistry[sdkKey]--
}

func factoryCounts() (active int64, redundant int64) {
	factoryRegistryMtx.Lock()
	defer factoryRegistryMtx.Unlock()
	for _, count := range factoryRegistry {
		active += count
		redundant += count - 1
	}
	return active, redundant
}

// SplitFactory owns every resource of one SDK instance: storages, transport,
// synchronization services and the client/manager pair handed to the host.
type SplitFactory struct {
	sdkKey   string
	cfg      *conf.SplitSdkConfig
	metadata dtos.Metadata
	logger   log.Logger

	client  *SplitClient
	manager *SplitManager

	runtime           *telemetry.Storage // nil in consumer mode
	sync              *synchronizer.Synchronizer
	syncManager       *synchronizer.Manager
	localPoller       services.Service
	listener          *impressions.ListenerWorker
	serviceManager    *services.Manager
	telemetryRecorder *api.TelemetryRecorder
	redisClient       *redis.Client

	flagSetsTotal   int64
	flagSetsInvalid int64

	startTime time.Time
	ready     chan struct{}
	readyOnce sync.Once
	destroyed atomic.Bool
}

// NewSplitFactory builds an SDK instance. The operation mode is derived from
// the arguments: the sdk key "localhost" reads flags from a file, a non-nil
// Redis config makes the SDK a consumer of an externally synchronized cache,
// anything else synchronizes in memory against the backend.
//
// Construction is non-blocking unless cfg.Ready is set, in which case it
// waits up to that long for readiness and returns the factory together with
// a timeout error when it does not arrive.
func NewSplitFactory(sdkKey string, cfg *conf.SplitSdkConfig) (*SplitFactory, error) {
	if sdkKey == "" {
		return nil, errors.New("sdk key cannot be empty")
	}
	if cfg == nil {
		cfg = conf.Default()
	}
	logger := log.With(util_log.Logger, "component", "splitio")
	cfg.Normalize(logger)

	switch {
	case sdkKey == localhostKey:
		cfg.OperationMode = conf.OperationModeLocalhost
	case cfg.Redis != nil:
		cfg.OperationMode = conf.OperationModeRedisConsumer
	default:
		cfg.OperationMode = conf.OperationModeInMemory
	}

	f := &SplitFactory{
		sdkKey:    sdkKey,
		cfg:       cfg,
		metadata:  api.BuildMetadata(cfg),
		logger:    logger,
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}

	var err error
	switch cfg.OperationMode {
	case conf.OperationModeLocalhost:
		err = f.setupLocalhost()
	case conf.OperationModeRedisConsumer:
		err = f.setupRedisConsumer()
	default:
		err = f.setupInMemory()
	}
	if err != nil {
		return nil, err
	}

	if err := f.startServices(); err != nil {
		return nil, err
	}
	registerFactory(logger, sdkKey)

	if cfg.Ready > 0 {
		if err := f.awaitReady(cfg.Ready); err != nil {
			return f, err
		}
	}
	return f, nil
}

// startServices puts every background service of this factory under one
// dskit manager and launches it; failures are logged through the manager
// listener.
func (f *SplitFactory) startServices() error {
	svcs := []services.Service{}
	if f.syncManager != nil {
		svcs = append(svcs, f.syncManager.Service)
	}
	if f.localPoller != nil {
		svcs = append(svcs, f.localPoller)
	}
	if f.listener != nil {
		svcs = append(svcs, f.listener)
	}
	if len(svcs) == 0 {
		return nil
	}

	sm, err := services.NewManager(svcs...)
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}
	logger := f.logger
	sm.AddListener(services.NewManagerListener(func() {}, func() {}, func(failed services.Service) {
		level.Error(logger).Log("msg", "sdk background service failed", "err", failed.FailureCase())
	}))
	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting sdk services")
	}
	f.serviceManager = sm

	if f.syncManager != nil {
		go f.awaitFirstSync()
	}
	return nil
}

// Client returns the evaluation client of this factory.
func (f *SplitFactory) Client() *SplitClient { return f.client }

// Manager returns the introspection manager of this factory.
func (f *SplitFactory) Manager() *SplitManager { return f.manager }

// IsReady reports whether the first full synchronization has landed.
func (f *SplitFactory) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// IsDestroyed reports whether Destroy has been called.
func (f *SplitFactory) IsDestroyed() bool { return f.destroyed.Load() }

// BlockUntilReady waits up to timeout seconds for the SDK to be ready.
func (f *SplitFactory) BlockUntilReady(timeout int) error {
	if timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return f.awaitReady(time.Duration(timeout) * time.Second)
}

func (f *SplitFactory) awaitReady(timeout time.Duration) error {
	select {
	case <-f.ready:
		return nil
	case <-time.After(timeout):
		if f.runtime != nil {
			f.runtime.RecordBURTimeout()
		}
		return errors.New("SDK_READY timeout")
	}
}

func (f *SplitFactory) markReady() {
	f.readyOnce.Do(func() {
		if f.runtime != nil {
			f.runtime.RecordTimeUntilReady(time.Since(f.startTime))
		}
		close(f.ready)
	})
}

// Destroy stops every service of this factory, flushing pending data on the
// way out. Idempotent; clients keep answering control afterwards.
func (f *SplitFactory) Destroy() {
	if !f.destroyed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyGrace)
	defer cancel()

	if f.serviceManager != nil {
		if err := services.StopManagerAndAwaitStopped(ctx, f.serviceManager); err != nil {
			level.Warn(f.logger).Log("msg", "error stopping sdk services", "err", err)
		}
	}
	if f.sync != nil {
		// Final flush of every queue happens as the recorder tasks stop.
		f.sync.StopPeriodicDataRecording()
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			level.Warn(f.logger).Log("msg", "error closing redis client", "err", err)
		}
	}
	unregisterFactory(f.sdkKey)
	level.Info(f.logger).Log("msg", "factory destroyed")
}

func (f *SplitFactory) newClient(
	splits storage.SplitStorage,
	segments storage.SegmentStorage,
	impressionQueue storage.ImpressionStorage,
	eventQueue storage.EventStorage,
	impressionManager *impressions.Manager,
	evalTelemetry telemetry.EvaluationTelemetry,
) {
	f.client = &SplitClient{
		factory:           f,
		evaluator:         engine.NewEvaluator(splits, segments, nil, f.logger),
		splits:            splits,
		impressionQueue:   impressionQueue,
		eventQueue:        eventQueue,
		impressionManager: impressionManager,
		listener:          f.listener,
		evalTelemetry:     evalTelemetry,
		labelsEnabled:     f.cfg.LabelsEnabled,
		logger:            f.logger,
	}
	f.manager = &SplitManager{factory: f, splits: splits, logger: f.logger}
}

func (f *SplitFactory) setupInMemory() error {
	cfg := f.cfg
	runtime := telemetry.NewStorage()
	f.runtime = runtime

	splits := inmemory.NewSplitStorage(f.logger)
	segments := inmemory.NewSegmentStorage()
	impressionQueue := inmemory.NewImpressionStorage(cfg.Advanced.ImpressionsQueueSize, runtime)
	eventQueue := inmemory.NewEventStorage(cfg.Advanced.EventsQueueSize, runtime)

	impressionManager, err := impressions.NewManager(cfg.ImpressionsMode, runtime)
	if err != nil {
		return errors.Wrap(err, "building impressions manager")
	}
	if cfg.ImpressionListener != nil {
		f.listener = impressions.NewListenerWorker(cfg.ImpressionListener, f.metadata, f.logger)
	}

	f.flagSetsTotal = int64(len(cfg.FlagSetsFilter))
	flagSets := sanitizeFlagSets(f.logger, cfg.FlagSetsFilter)
	f.flagSetsInvalid = f.flagSetsTotal - int64(len(flagSets))

	timeout := cfg.Advanced.ConnectionTimeout + cfg.Advanced.ReadTimeout
	sdkClient, err := api.NewClient(f.sdkKey, cfg.Advanced.SdkURL, timeout, f.metadata, f.logger)
	if err != nil {
		return errors.Wrap(err, "building sdk api client")
	}
	eventsClient, err := api.NewClient(f.sdkKey, cfg.Advanced.EventsURL, timeout, f.metadata, f.logger)
	if err != nil {
		return errors.Wrap(err, "building events api client")
	}
	authClient, err := api.NewClient(f.sdkKey, cfg.Advanced.AuthServiceURL, timeout, f.metadata, f.logger)
	if err != nil {
		return errors.Wrap(err, "building auth api client")
	}
	telemetryClient, err := api.NewClient(f.sdkKey, cfg.Advanced.TelemetryServiceURL, timeout, f.metadata, f.logger)
	if err != nil {
		return errors.Wrap(err, "building telemetry api client")
	}

	splitSync := synchronizer.NewSplitSynchronizer(api.NewSplitFetcher(sdkClient, flagSets, runtime, f.logger), splits, f.logger)
	segmentSync := synchronizer.NewSegmentSynchronizer(api.NewSegmentFetcher(sdkClient, runtime, f.logger), splits, segments, f.logger)
	f.telemetryRecorder = api.NewTelemetryRecorder(telemetryClient, runtime, f.logger)
	flusher := synchronizer.NewFlusher(
		impressionQueue,
		eventQueue,
		impressionManager,
		api.NewImpressionRecorder(eventsClient, cfg.ImpressionsMode, runtime, f.logger),
		api.NewEventRecorder(eventsClient, runtime, f.logger),
		f.telemetryRecorder,
		runtime,
		splits,
		segments,
		int64(cfg.Advanced.ImpressionsBulkSize),
		int64(cfg.Advanced.EventsBulkSize),
		f.logger,
	)
	f.sync = synchronizer.NewSynchronizer(splitSync, segmentSync, flusher, cfg.TaskPeriods, f.logger)

	feedback := make(chan synchronizer.PushStatus, pushFeedbackBuffer)
	var pushManager synchronizer.PushManager
	if cfg.StreamingEnabled {
		pushManager = push.NewManager(
			api.NewAuthFetcher(authClient, runtime, f.logger),
			f.sync,
			splits,
			segments,
			feedback,
			cfg.Advanced.StreamingServiceURL,
			f.metadata,
			runtime,
			f.logger,
		)
	}
	f.syncManager = synchronizer.NewManager(f.sync, pushManager, feedback, runtime, f.logger)

	f.newClient(splits, segments, impressionQueue, eventQueue, impressionManager, runtime)
	return nil
}

// awaitFirstSync unblocks readiness once the initial full sync lands, then
// brings up the recording pipelines and posts the init-time config payload.
func (f *SplitFactory) awaitFirstSync() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.syncManager.Ready():
			f.markReady()
			f.sync.StartPeriodicDataRecording()

			ctx, cancel := context.WithTimeout(context.Background(), destroyGrace)
			defer cancel()
			if err := f.telemetryRecorder.RecordConfig(ctx, f.buildTelemetryConfig()); err != nil {
				level.Warn(f.logger).Log("msg", "could not post sdk config telemetry", "err", err)
			}
			return
		case <-ticker.C:
			if f.destroyed.Load() {
				return
			}
		}
	}
}

func (f *SplitFactory) setupLocalhost() error {
	cfg := f.cfg
	runtime := telemetry.NewStorage()
	f.runtime = runtime

	splits := inmemory.NewSplitStorage(f.logger)
	segments := inmemory.NewSegmentStorage()
	impressionQueue := inmemory.NewImpressionStorage(cfg.Advanced.ImpressionsQueueSize, runtime)
	eventQueue := inmemory.NewEventStorage(cfg.Advanced.EventsQueueSize, runtime)

	impressionManager, err := impressions.NewManager(cfg.ImpressionsMode, runtime)
	if err != nil {
		return errors.Wrap(err, "building impressions manager")
	}
	if cfg.ImpressionListener != nil {
		f.listener = impressions.NewListenerWorker(cfg.ImpressionListener, f.metadata, f.logger)
	}

	path := cfg.SplitFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "resolving default split file location")
		}
		path = filepath.Join(home, ".split")
	}

	localSync := local.NewSynchronizer(path, splits, f.logger)
	if err := localSync.SynchronizeSplits(); err != nil {
		return errors.Wrap(err, "loading flag definition file")
	}

	f.localPoller = synchronizer.NewPeriodicTask("localhost-sync", cfg.TaskPeriods.SplitSync, cfg.TaskPeriods.RandomizeIntervals,
		func(context.Context) error { return localSync.SynchronizeSplits() }, nil, f.logger)

	f.newClient(splits, segments, impressionQueue, eventQueue, impressionManager, runtime)
	f.markReady()
	return nil
}

func (f *SplitFactory) setupRedisConsumer() error {
	cfg := f.cfg
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	client := redisdb.NewClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), destroyGrace)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.Wrap(err, "connecting to redis")
	}
	f.redisClient = client

	prefix := cfg.Redis.Prefix
	splits := redisdb.NewSplitStorage(client, prefix, f.logger)
	segments := redisdb.NewSegmentStorage(client, prefix, f.logger)
	impressionQueue := redisdb.NewImpressionStorage(client, prefix, f.metadata, f.logger)
	eventQueue := redisdb.NewEventStorage(client, prefix, f.metadata, f.logger)
	evalTelemetry := redisdb.NewTelemetryStorage(client, prefix, f.metadata, f.logger)

	if cfg.ImpressionListener != nil {
		f.listener = impressions.NewListenerWorker(cfg.ImpressionListener, f.metadata, f.logger)
	}

	// In consumer mode impressions and events go straight to the shared
	// queues; a synchronizer elsewhere deduplicates and flushes them.
	f.newClient(splits, segments, impressionQueue, eventQueue, nil, evalTelemetry)
	evalTelemetry.PushConfig(f.buildTelemetryConfig())
	f.markReady()
	return nil
}

func (f *SplitFactory) buildTelemetryConfig() *dtos.TelemetryConfig {
	cfg := f.cfg
	operationMode := 0
	storageType := "memory"
	if cfg.OperationMode == conf.OperationModeRedisConsumer {
		operationMode = 1
		storageType = "redis"
	}

	impressionsMode := 0
	switch cfg.ImpressionsMode {
	case conf.ImpressionsModeDebug:
		impressionsMode = 1
	case conf.ImpressionsModeNone:
		impressionsMode = 2
	}

	defaults := conf.AdvancedConfig{}
	defaults.RegisterFlagsAndApplyDefaults(nil)

	active, redundant := factoryCounts()
	out := &dtos.TelemetryConfig{
		OperationMode:    operationMode,
		StorageType:      storageType,
		StreamingEnabled: cfg.StreamingEnabled,
		RefreshRates: dtos.TelemetryRates{
			Splits:      int64(cfg.TaskPeriods.SplitSync / time.Second),
			Segments:    int64(cfg.TaskPeriods.SegmentSync / time.Second),
			Impressions: int64(cfg.TaskPeriods.ImpressionSync / time.Second),
			Events:      int64(cfg.TaskPeriods.EventsSync / time.Second),
			Telemetry:   int64(cfg.TaskPeriods.TelemetrySync / time.Second),
		},
		URLOverrides: dtos.TelemetryURLOverrides{
			Sdk:       cfg.Advanced.SdkURL != defaults.SdkURL,
			Events:    cfg.Advanced.EventsURL != defaults.EventsURL,
			Auth:      cfg.Advanced.AuthServiceURL != defaults.AuthServiceURL,
			Stream:    cfg.Advanced.StreamingServiceURL != defaults.StreamingServiceURL,
			Telemetry: cfg.Advanced.TelemetryServiceURL != defaults.TelemetryServiceURL,
		},
		ImpressionsQueueSize: int64(cfg.Advanced.ImpressionsQueueSize),
		EventsQueueSize:      int64(cfg.Advanced.EventsQueueSize),
		ImpressionsMode:      impressionsMode,
		ImpressionsListener:  cfg.ImpressionListener != nil,
		ActiveFactories:      active,
		RedundantFactories:   redundant,
		FlagSetsTotal:        f.flagSetsTotal,
		FlagSetsInvalid:      f.flagSetsInvalid,
	}
	if f.runtime != nil {
		out.TimeUntilReady = f.runtime.TimeUntilReady()
		out.BurTimeouts = f.runtime.BURTimeouts()
		out.NonReadyUsages = f.runtime.NonReadyUsages()
	}
	return out
}

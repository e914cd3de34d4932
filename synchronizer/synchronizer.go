package synchronizer

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/conf"
)

// Synchronizer bundles the feed synchronizers and the queue flushers behind
// one surface the manager and the push workers drive.
type Synchronizer struct {
	splitSync   *SplitSynchronizer
	segmentSync *SegmentSynchronizer
	flusher     *Flusher
	periods     conf.TaskPeriods
	logger      log.Logger

	mtx         sync.Mutex
	splitTask   *task
	segmentTask *task
	recordTasks []*task
}

// NewSynchronizer wires the polling and flushing sides together.
func NewSynchronizer(splitSync *SplitSynchronizer, segmentSync *SegmentSynchronizer, flusher *Flusher, periods conf.TaskPeriods, logger log.Logger) *Synchronizer {
	return &Synchronizer{
		splitSync:   splitSync,
		segmentSync: segmentSync,
		flusher:     flusher,
		periods:     periods,
		logger:      logger,
	}
}

// SyncAll brings flags and every referenced segment up to date.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	if _, err := s.splitSync.SynchronizeSplits(ctx, nil); err != nil {
		return errors.Wrap(err, "synchronizing flags")
	}
	if err := s.segmentSync.SynchronizeSegments(ctx); err != nil {
		return errors.Wrap(err, "synchronizing segments")
	}
	return nil
}

// SynchronizeSplits is the on-demand entry point used by push workers.
func (s *Synchronizer) SynchronizeSplits(till *int64) error {
	referenced, err := s.splitSync.SynchronizeSplits(context.Background(), till)
	if err != nil {
		return err
	}
	if len(referenced) > 0 {
		return s.segmentSync.synchronizeMany(context.Background(), referenced)
	}
	return nil
}

// SynchronizeSegment is the on-demand entry point used by push workers.
func (s *Synchronizer) SynchronizeSegment(name string, till *int64) error {
	return s.segmentSync.SynchronizeSegment(context.Background(), name, till)
}

// LocalKill applies a kill notification ahead of its catch-up fetch.
func (s *Synchronizer) LocalKill(name string, defaultTreatment string, changeNumber int64) {
	s.splitSync.LocalKill(name, defaultTreatment, changeNumber)
}

// startTask launches a fresh task service. dskit services are single-use, so
// every start builds a new one.
func (s *Synchronizer) startTask(t *task) *task {
	if err := services.StartAndAwaitRunning(context.Background(), t); err != nil {
		level.Error(s.logger).Log("msg", "could not start task", "task", t.name, "err", err)
		return nil
	}
	return t
}

func (s *Synchronizer) stopTask(t *task) {
	if t == nil {
		return
	}
	if err := services.StopAndAwaitTerminated(context.Background(), t); err != nil {
		level.Warn(s.logger).Log("msg", "error stopping task", "task", t.name, "err", err)
	}
}

// StartSplitPolling launches the flag poller. Idempotent.
func (s *Synchronizer) StartSplitPolling() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.splitTask != nil {
		return
	}
	s.splitTask = s.startTask(newTask("split-sync", s.periods.SplitSync, s.periods.RandomizeIntervals, func(ctx context.Context) error {
		_, err := s.splitSync.SynchronizeSplits(ctx, nil)
		return err
	}, nil, s.logger))
}

// StopSplitPolling stops the flag poller. Idempotent.
func (s *Synchronizer) StopSplitPolling() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stopTask(s.splitTask)
	s.splitTask = nil
}

// StartSegmentPolling launches the segment poller. Idempotent. The segment
// poller also runs while streaming, as segment updates may be missed between
// notifications.
func (s *Synchronizer) StartSegmentPolling() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.segmentTask != nil {
		return
	}
	s.segmentTask = s.startTask(newTask("segment-sync", s.periods.SegmentSync, s.periods.RandomizeIntervals, func(ctx context.Context) error {
		return s.segmentSync.SynchronizeSegments(ctx)
	}, nil, s.logger))
}

// StopSegmentPolling stops the segment poller. Idempotent.
func (s *Synchronizer) StopSegmentPolling() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stopTask(s.segmentTask)
	s.segmentTask = nil
}

// StartPeriodicFetching launches both feed pollers.
func (s *Synchronizer) StartPeriodicFetching() {
	s.StartSplitPolling()
	s.StartSegmentPolling()
}

// StopPeriodicFetching stops both feed pollers.
func (s *Synchronizer) StopPeriodicFetching() {
	s.StopSplitPolling()
	s.StopSegmentPolling()
}

// uniquesFilterResetPeriod clears the unique-keys bloom filter so long-lived
// processes do not saturate it.
const uniquesFilterResetPeriod = 24 * time.Hour

// StartPeriodicDataRecording launches every flusher task. Each carries a
// final-flush hook so shutdown drains the queues.
func (s *Synchronizer) StartPeriodicDataRecording() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.recordTasks) > 0 {
		return
	}
	specs := []*task{
		newTask("impressions-flush", s.periods.ImpressionSync, s.periods.RandomizeIntervals,
			s.flusher.FlushImpressions, s.flusher.FlushImpressions, s.logger),
		newTask("impression-counts-flush", s.periods.CounterSync, s.periods.RandomizeIntervals,
			s.flusher.FlushImpressionCounts, s.flusher.FlushImpressionCounts, s.logger),
		newTask("events-flush", s.periods.EventsSync, s.periods.RandomizeIntervals,
			s.flusher.FlushEvents, s.flusher.FlushEvents, s.logger),
		newTask("unique-keys-flush", s.periods.UniqueKeysSync, s.periods.RandomizeIntervals,
			s.flusher.FlushUniqueKeys, s.flusher.FlushUniqueKeys, s.logger),
		newTask("unique-keys-filter-reset", uniquesFilterResetPeriod, false,
			func(context.Context) error { s.flusher.impressionManager.ClearUniquesFilter(); return nil }, nil, s.logger),
		newTask("telemetry-flush", s.periods.TelemetrySync, s.periods.RandomizeIntervals,
			s.flusher.FlushTelemetryStats, s.flusher.FlushTelemetryStats, s.logger),
	}
	for _, spec := range specs {
		if started := s.startTask(spec); started != nil {
			s.recordTasks = append(s.recordTasks, started)
		}
	}
}

// StopPeriodicDataRecording stops every flusher task, running their final
// flushes.
func (s *Synchronizer) StopPeriodicDataRecording() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, t := range s.recordTasks {
		s.stopTask(t)
	}
	s.recordTasks = nil
}

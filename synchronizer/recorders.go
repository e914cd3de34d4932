package synchronizer

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/impressions"
	"github.com/splitio/go-client/service/api"
	"github.com/splitio/go-client/storage"
	"github.com/splitio/go-client/telemetry"
)

// ImpressionRecorder is the transport slice the flusher needs; satisfied by
// api.ImpressionRecorder.
type ImpressionRecorder interface {
	Record(ctx context.Context, impressions []dtos.Impression) error
	RecordCounts(ctx context.Context, counts []dtos.ImpressionCountDTO) error
}

// EventRecorder is satisfied by api.EventRecorder.
type EventRecorder interface {
	Record(ctx context.Context, events []dtos.EventDTO) error
}

// TelemetryRecorder is satisfied by api.TelemetryRecorder.
type TelemetryRecorder interface {
	RecordStats(ctx context.Context, stats *dtos.TelemetryStats) error
	RecordUniqueKeys(ctx context.Context, uniques *dtos.UniqueKeysDTO) error
}

// Flusher drains the local queues into the backend. Each Flush method is one
// periodic-task body; they are also invoked for the final flush on shutdown.
type Flusher struct {
	impressionQueue    storage.ImpressionStorage
	eventQueue         storage.EventStorage
	impressionManager  *impressions.Manager
	impressionRecorder ImpressionRecorder
	eventRecorder      EventRecorder
	telemetryRecorder  TelemetryRecorder
	runtime            *telemetry.Storage
	splits             storage.SplitStorage
	segments           storage.SegmentStorage
	impressionBulkSize int64
	eventBulkSize      int64
	logger             log.Logger
}

// NewFlusher wires the queue-draining side of the synchronizer.
func NewFlusher(
	impressionQueue storage.ImpressionStorage,
	eventQueue storage.EventStorage,
	impressionManager *impressions.Manager,
	impressionRecorder ImpressionRecorder,
	eventRecorder EventRecorder,
	telemetryRecorder TelemetryRecorder,
	runtime *telemetry.Storage,
	splits storage.SplitStorage,
	segments storage.SegmentStorage,
	impressionBulkSize int64,
	eventBulkSize int64,
	logger log.Logger,
) *Flusher {
	return &Flusher{
		impressionQueue:    impressionQueue,
		eventQueue:         eventQueue,
		impressionManager:  impressionManager,
		impressionRecorder: impressionRecorder,
		eventRecorder:      eventRecorder,
		telemetryRecorder:  telemetryRecorder,
		runtime:            runtime,
		splits:             splits,
		segments:           segments,
		impressionBulkSize: impressionBulkSize,
		eventBulkSize:      eventBulkSize,
		logger:             logger,
	}
}

// requeueable reports whether a post failure leaves the data worth retrying:
// transport errors and 5xx yes, plain 4xx no.
func requeueable(err error) bool {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.IsClientError()
	}
	return true
}

// FlushImpressions posts queued impressions until the queue is drained.
// Requeued data stays bounded by the queue's own drop-oldest policy.
func (f *Flusher) FlushImpressions(ctx context.Context) error {
	for !f.impressionQueue.Empty() {
		bulk, err := f.impressionQueue.PopN(f.impressionBulkSize)
		if err != nil {
			return errors.Wrap(err, "popping impressions")
		}
		if len(bulk) == 0 {
			return nil
		}
		if err := f.impressionRecorder.Record(ctx, bulk); err != nil {
			if requeueable(err) {
				if logErr := f.impressionQueue.LogImpressions(bulk); logErr != nil {
					level.Warn(f.logger).Log("msg", "could not requeue impressions", "err", logErr)
				}
			}
			return errors.Wrap(err, "posting impressions")
		}
	}
	return nil
}

// FlushImpressionCounts posts the accumulated per-hour suppression counts.
func (f *Flusher) FlushImpressionCounts(ctx context.Context) error {
	counts := f.impressionManager.PopCounts()
	if len(counts) == 0 {
		return nil
	}
	if err := f.impressionRecorder.RecordCounts(ctx, counts); err != nil {
		return errors.Wrap(err, "posting impression counts")
	}
	return nil
}

// FlushEvents posts queued events until the queue is drained.
func (f *Flusher) FlushEvents(ctx context.Context) error {
	for !f.eventQueue.Empty() {
		bulk, err := f.eventQueue.PopN(f.eventBulkSize)
		if err != nil {
			return errors.Wrap(err, "popping events")
		}
		if len(bulk) == 0 {
			return nil
		}
		if err := f.eventRecorder.Record(ctx, bulk); err != nil {
			if requeueable(err) {
				for _, event := range bulk {
					if pushErr := f.eventQueue.Push(event, 0); pushErr != nil {
						level.Warn(f.logger).Log("msg", "could not requeue events", "err", pushErr)
						break
					}
				}
			}
			return errors.Wrap(err, "posting events")
		}
	}
	return nil
}

// FlushUniqueKeys posts the unique-keys window tracked in NONE mode.
func (f *Flusher) FlushUniqueKeys(ctx context.Context) error {
	uniques := f.impressionManager.PopUniques()
	if uniques == nil || len(uniques.Keys) == 0 {
		return nil
	}
	if err := f.telemetryRecorder.RecordUniqueKeys(ctx, uniques); err != nil {
		return errors.Wrap(err, "posting unique keys")
	}
	return nil
}

// FlushTelemetryStats posts one usage window.
func (f *Flusher) FlushTelemetryStats(ctx context.Context) error {
	stats := f.runtime.PopStats(
		int64(len(f.splits.SplitNames())),
		int64(len(f.segments.SegmentNames())),
		f.segments.SegmentKeyCount(),
	)
	if err := f.telemetryRecorder.RecordStats(ctx, stats); err != nil {
		return errors.Wrap(err, "posting telemetry stats")
	}
	return nil
}

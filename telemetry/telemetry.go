// Package telemetry tracks SDK runtime statistics: evaluation latencies and
// exceptions, transport outcomes, queue health and push-subsystem events.
// Everything here is best-effort; telemetry failures never propagate.
package telemetry

import "time"

// Public API methods tracked per call.
const (
	Treatment                      = "treatment"
	Treatments                     = "treatments"
	TreatmentWithConfig            = "treatmentWithConfig"
	TreatmentsWithConfig           = "treatmentsWithConfig"
	TreatmentsByFlagSet            = "treatmentsByFlagSet"
	TreatmentsByFlagSets           = "treatmentsByFlagSets"
	TreatmentsWithConfigByFlagSet  = "treatmentsWithConfigByFlagSet"
	TreatmentsWithConfigByFlagSets = "treatmentsWithConfigByFlagSets"
	Track                          = "track"
)

// Synchronization resources tracked per HTTP call.
const (
	SplitSync            = iota // splitChanges
	SegmentSync                 // segmentChanges
	ImpressionSync              // testImpressions/bulk
	ImpressionCountSync         // testImpressions/count
	EventSync                   // events/bulk
	TelemetrySync               // metrics
	TokenSync                   // auth
)

// Impression pipeline outcomes.
const (
	ImpressionsQueued = iota
	ImpressionsDeduped
	ImpressionsDropped
)

// Event pipeline outcomes.
const (
	EventsQueued = iota
	EventsDropped
)

// Streaming event types, matching the wire protocol values.
const (
	EventTypeConnectionEstablished = 0
	EventTypeOccupancyPri          = 10
	EventTypeOccupancySec          = 20
	EventTypeStreamingStatus       = 30
	EventTypeConnectionError       = 40
	EventTypeTokenRefresh          = 50
	EventTypeAblyError             = 60
	EventTypeSyncMode              = 70
)

// Streaming status values for EventTypeStreamingStatus.
const (
	StreamingDisabled = 0
	StreamingEnabled  = 1
	StreamingPaused   = 2
)

// Sync mode values for EventTypeSyncMode.
const (
	SyncModeStreaming = 0
	SyncModePolling   = 1
)

// Bounds on accumulated streaming events and tags per stats window.
const (
	maxStreamingEvents = 20
	maxTags            = 10
)

// latencyBuckets is the shared exponential ladder, in microseconds. Every
// latency is counted in the first bucket whose upper bound is not exceeded;
// outliers land in the last one.
var latencyBuckets = [...]int64{
	1000, 1500, 2250, 3375, 5063, 7594, 11391, 17086, 25629, 38443, 57665,
	86498, 129746, 194620, 291929, 437894, 656841, 985261, 1477892, 2216838,
	3325257, 4987885, 7481828,
}

// LatencyBucketCount is the histogram width used by all latency trackers.
const LatencyBucketCount = len(latencyBuckets)

// LatencyBucket maps a duration onto its histogram bucket index.
func LatencyBucket(latency time.Duration) int {
	micros := latency.Microseconds()
	for idx, upper := range latencyBuckets {
		if micros <= upper {
			return idx
		}
	}
	return LatencyBucketCount - 1
}

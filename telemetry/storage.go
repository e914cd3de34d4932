package telemetry

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/splitio/go-client/dtos"
)

// EvaluationTelemetry is the slice of telemetry the client layer records on
// every public call. The Redis flavour substitutes its own implementation.
type EvaluationTelemetry interface {
	RecordLatency(method string, latency time.Duration)
	RecordException(method string)
	RecordNonReadyUsage()
	RecordBURTimeout()
}

// Storage accumulates runtime stats in memory. Pop methods drain and reset,
// so each stats flush reports one window.
type Storage struct {
	mtx sync.Mutex

	methodLatencies  map[string][]int64
	methodExceptions map[string]int64
	httpLatencies    map[int][]int64
	httpErrors       map[int]map[int]int64
	lastSync         map[int]int64
	streamingEvents  []dtos.StreamingEvent
	tags             []string

	impressionsQueued  atomic.Int64
	impressionsDeduped atomic.Int64
	impressionsDropped atomic.Int64
	eventsQueued       atomic.Int64
	eventsDropped      atomic.Int64
	tokenRefreshes     atomic.Int64
	authRejections     atomic.Int64
	sessionStart       atomic.Int64
	burTimeouts        atomic.Int64
	nonReadyUsages     atomic.Int64
	updatesFromSSE     atomic.Int64
	timeUntilReady     atomic.Int64
}

// NewStorage builds an empty telemetry storage.
func NewStorage() *Storage {
	s := &Storage{
		methodLatencies:  make(map[string][]int64),
		methodExceptions: make(map[string]int64),
		httpLatencies:    make(map[int][]int64),
		httpErrors:       make(map[int]map[int]int64),
		lastSync:         make(map[int]int64),
	}
	s.sessionStart.Store(time.Now().UnixMilli())
	return s
}

// RecordLatency counts one public-call latency in its histogram bucket.
func (s *Storage) RecordLatency(method string, latency time.Duration) {
	bucket := LatencyBucket(latency)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	hist, ok := s.methodLatencies[method]
	if !ok {
		hist = make([]int64, LatencyBucketCount)
		s.methodLatencies[method] = hist
	}
	hist[bucket]++
}

// RecordException counts one public-call failure.
func (s *Storage) RecordException(method string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.methodExceptions[method]++
}

// RecordSyncLatency counts one HTTP-call latency for a resource.
func (s *Storage) RecordSyncLatency(resource int, latency time.Duration) {
	bucket := LatencyBucket(latency)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	hist, ok := s.httpLatencies[resource]
	if !ok {
		hist = make([]int64, LatencyBucketCount)
		s.httpLatencies[resource] = hist
	}
	hist[bucket]++
}

// RecordSyncError counts one HTTP failure for a resource by status code.
func (s *Storage) RecordSyncError(resource int, status int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	byStatus, ok := s.httpErrors[resource]
	if !ok {
		byStatus = make(map[int]int64)
		s.httpErrors[resource] = byStatus
	}
	byStatus[status]++
}

// RecordSuccessfulSync stamps the last successful call for a resource.
func (s *Storage) RecordSuccessfulSync(resource int, when time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.lastSync[resource] = when.UnixMilli()
}

// RecordImpressionsStats adds to one of the impression pipeline counters.
func (s *Storage) RecordImpressionsStats(dataType int, count int64) {
	switch dataType {
	case ImpressionsQueued:
		s.impressionsQueued.Add(count)
	case ImpressionsDeduped:
		s.impressionsDeduped.Add(count)
	case ImpressionsDropped:
		s.impressionsDropped.Add(count)
	}
}

// RecordEventsStats adds to one of the event pipeline counters.
func (s *Storage) RecordEventsStats(dataType int, count int64) {
	switch dataType {
	case EventsQueued:
		s.eventsQueued.Add(count)
	case EventsDropped:
		s.eventsDropped.Add(count)
	}
}

// RecordStreamingEvent appends a push-subsystem event, up to the window cap.
func (s *Storage) RecordStreamingEvent(event dtos.StreamingEvent) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.streamingEvents) < maxStreamingEvents {
		s.streamingEvents = append(s.streamingEvents, event)
	}
}

// AddTag attaches a free-form tag to the next stats payload.
func (s *Storage) AddTag(tag string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.tags) < maxTags {
		s.tags = append(s.tags, tag)
	}
}

// RecordTokenRefresh counts one successful streaming auth.
func (s *Storage) RecordTokenRefresh() { s.tokenRefreshes.Add(1) }

// RecordAuthRejection counts one rejected streaming auth.
func (s *Storage) RecordAuthRejection() { s.authRejections.Add(1) }

// RecordUpdatesFromSSE counts one storage update applied straight from a
// streaming payload.
func (s *Storage) RecordUpdatesFromSSE() { s.updatesFromSSE.Add(1) }

// RecordBURTimeout counts one BlockUntilReady expiration.
func (s *Storage) RecordBURTimeout() { s.burTimeouts.Add(1) }

// RecordNonReadyUsage counts one evaluation attempted before readiness.
func (s *Storage) RecordNonReadyUsage() { s.nonReadyUsages.Add(1) }

// RecordTimeUntilReady stamps how long the factory took to become ready.
func (s *Storage) RecordTimeUntilReady(d time.Duration) { s.timeUntilReady.Store(d.Milliseconds()) }

// BURTimeouts returns the accumulated BlockUntilReady expirations.
func (s *Storage) BURTimeouts() int64 { return s.burTimeouts.Load() }

// NonReadyUsages returns the accumulated pre-ready evaluations.
func (s *Storage) NonReadyUsages() int64 { return s.nonReadyUsages.Load() }

// TimeUntilReady returns the recorded readiness latency in milliseconds.
func (s *Storage) TimeUntilReady() int64 { return s.timeUntilReady.Load() }

// PopStats drains the storage into one usage payload. Counters reset; the
// session length keeps accumulating.
func (s *Storage) PopStats(splitCount, segmentCount, segmentKeyCount int64) *dtos.TelemetryStats {
	s.mtx.Lock()
	stats := &dtos.TelemetryStats{
		MethodLatencies:  s.popMethodLatenciesLocked(),
		MethodExceptions: s.popMethodExceptionsLocked(),
		HTTPLatencies:    s.popHTTPLatenciesLocked(),
		HTTPErrors:       s.popHTTPErrorsLocked(),
		LastSynchronizations: &dtos.LastSynchronization{
			Splits:           s.lastSync[SplitSync],
			Segments:         s.lastSync[SegmentSync],
			Impressions:      s.lastSync[ImpressionSync],
			ImpressionCounts: s.lastSync[ImpressionCountSync],
			Events:           s.lastSync[EventSync],
			Telemetry:        s.lastSync[TelemetrySync],
			Token:            s.lastSync[TokenSync],
		},
		StreamingEvents: s.streamingEvents,
		Tags:            s.tags,
	}
	s.streamingEvents = nil
	s.tags = nil
	s.mtx.Unlock()

	stats.ImpressionsQueued = s.impressionsQueued.Swap(0)
	stats.ImpressionsDeduped = s.impressionsDeduped.Swap(0)
	stats.ImpressionsDropped = s.impressionsDropped.Swap(0)
	stats.EventsQueued = s.eventsQueued.Swap(0)
	stats.EventsDropped = s.eventsDropped.Swap(0)
	stats.TokenRefreshes = s.tokenRefreshes.Swap(0)
	stats.AuthRejections = s.authRejections.Swap(0)
	stats.SessionLengthMs = time.Now().UnixMilli() - s.sessionStart.Load()
	stats.SplitCount = splitCount
	stats.SegmentCount = segmentCount
	stats.SegmentKeyCount = segmentKeyCount
	if updates := s.updatesFromSSE.Swap(0); updates > 0 {
		stats.UpdatesFromSSE = &dtos.UpdatesFromSSE{Splits: updates}
	}
	return stats
}

func (s *Storage) popMethodLatenciesLocked() *dtos.MethodLatencies {
	out := &dtos.MethodLatencies{
		Treatment:                      s.methodLatencies[Treatment],
		Treatments:                     s.methodLatencies[Treatments],
		TreatmentWithConfig:            s.methodLatencies[TreatmentWithConfig],
		TreatmentsWithConfig:           s.methodLatencies[TreatmentsWithConfig],
		TreatmentsByFlagSet:            s.methodLatencies[TreatmentsByFlagSet],
		TreatmentsByFlagSets:           s.methodLatencies[TreatmentsByFlagSets],
		TreatmentsWithConfigByFlagSet:  s.methodLatencies[TreatmentsWithConfigByFlagSet],
		TreatmentsWithConfigByFlagSets: s.methodLatencies[TreatmentsWithConfigByFlagSets],
		Track:                          s.methodLatencies[Track],
	}
	s.methodLatencies = make(map[string][]int64)
	return out
}

func (s *Storage) popMethodExceptionsLocked() *dtos.MethodExceptions {
	out := &dtos.MethodExceptions{
		Treatment:                      s.methodExceptions[Treatment],
		Treatments:                     s.methodExceptions[Treatments],
		TreatmentWithConfig:            s.methodExceptions[TreatmentWithConfig],
		TreatmentsWithConfig:           s.methodExceptions[TreatmentsWithConfig],
		TreatmentsByFlagSet:            s.methodExceptions[TreatmentsByFlagSet],
		TreatmentsByFlagSets:           s.methodExceptions[TreatmentsByFlagSets],
		TreatmentsWithConfigByFlagSet:  s.methodExceptions[TreatmentsWithConfigByFlagSet],
		TreatmentsWithConfigByFlagSets: s.methodExceptions[TreatmentsWithConfigByFlagSets],
		Track:                          s.methodExceptions[Track],
	}
	s.methodExceptions = make(map[string]int64)
	return out
}

func (s *Storage) popHTTPLatenciesLocked() *dtos.HTTPLatencies {
	out := &dtos.HTTPLatencies{
		Splits:           s.httpLatencies[SplitSync],
		Segments:         s.httpLatencies[SegmentSync],
		Impressions:      s.httpLatencies[ImpressionSync],
		ImpressionCounts: s.httpLatencies[ImpressionCountSync],
		Events:           s.httpLatencies[EventSync],
		Telemetry:        s.httpLatencies[TelemetrySync],
		Token:            s.httpLatencies[TokenSync],
	}
	s.httpLatencies = make(map[int][]int64)
	return out
}

func (s *Storage) popHTTPErrorsLocked() *dtos.HTTPErrors {
	out := &dtos.HTTPErrors{
		Splits:           s.httpErrors[SplitSync],
		Segments:         s.httpErrors[SegmentSync],
		Impressions:      s.httpErrors[ImpressionSync],
		ImpressionCounts: s.httpErrors[ImpressionCountSync],
		Events:           s.httpErrors[EventSync],
		Telemetry:        s.httpErrors[TelemetrySync],
		Token:            s.httpErrors[TokenSync],
	}
	s.httpErrors = make(map[int]map[int]int64)
	return out
}

package inmemory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// Accumulated event payload bytes that trigger an early flush.
const maxEventBytes = 5 * 1024 * 1024

var (
	metricImpressionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "split",
		Name:      "impressions_dropped_total",
		Help:      "Impressions discarded because the queue was full.",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "split",
		Name:      "events_dropped_total",
		Help:      "Events discarded because the queue was full.",
	})
)

// ImpressionStorage is the bounded in-memory impression queue. Overflow
// drops the oldest entries so evaluation never blocks on telemetry delivery.
type ImpressionStorage struct {
	mtx       sync.Mutex
	queue     []dtos.Impression
	maxSize   int
	telemetry *telemetry.Storage
}

// NewImpressionStorage builds an impression queue bounded at maxSize.
func NewImpressionStorage(maxSize int, runtime *telemetry.Storage) *ImpressionStorage {
	return &ImpressionStorage{maxSize: maxSize, telemetry: runtime}
}

// LogImpressions appends impressions, dropping from the front on overflow.
func (s *ImpressionStorage) LogImpressions(impressions []dtos.Impression) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.queue = append(s.queue, impressions...)
	if overflow := len(s.queue) - s.maxSize; overflow > 0 {
		s.queue = s.queue[overflow:]
		metricImpressionsDropped.Add(float64(overflow))
		s.telemetry.RecordImpressionsStats(telemetry.ImpressionsDropped, int64(overflow))
	}
	s.telemetry.RecordImpressionsStats(telemetry.ImpressionsQueued, int64(len(impressions)))
	return nil
}

// PopN removes and returns up to n impressions in insertion order.
func (s *ImpressionStorage) PopN(n int64) ([]dtos.Impression, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if n > int64(len(s.queue)) {
		n = int64(len(s.queue))
	}
	out := make([]dtos.Impression, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	return out, nil
}

// Empty reports whether the queue holds no impressions.
func (s *ImpressionStorage) Empty() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.queue) == 0
}

// Count returns the queued impression count.
func (s *ImpressionStorage) Count() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return int64(len(s.queue))
}

// EventStorage is the bounded in-memory event queue with byte accounting.
// Crossing the byte threshold signals the flusher through Full.
type EventStorage struct {
	mtx       sync.Mutex
	queue     []dtos.EventDTO
	sizes     []int
	bytes     int
	maxSize   int
	full      chan struct{}
	telemetry *telemetry.Storage
}

// NewEventStorage builds an event queue bounded at maxSize entries.
func NewEventStorage(maxSize int, runtime *telemetry.Storage) *EventStorage {
	return &EventStorage{maxSize: maxSize, full: make(chan struct{}, 1), telemetry: runtime}
}

// Push appends one event with its serialized size, dropping the oldest on
// overflow.
func (s *EventStorage) Push(event dtos.EventDTO, size int) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.queue = append(s.queue, event)
	s.sizes = append(s.sizes, size)
	s.bytes += size
	if len(s.queue) > s.maxSize {
		s.bytes -= s.sizes[0]
		s.queue = s.queue[1:]
		s.sizes = s.sizes[1:]
		metricEventsDropped.Inc()
		s.telemetry.RecordEventsStats(telemetry.EventsDropped, 1)
	}
	s.telemetry.RecordEventsStats(telemetry.EventsQueued, 1)
	if s.bytes >= maxEventBytes {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// PopN removes and returns up to n events in insertion order.
func (s *EventStorage) PopN(n int64) ([]dtos.EventDTO, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if n > int64(len(s.queue)) {
		n = int64(len(s.queue))
	}
	out := make([]dtos.EventDTO, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	for _, size := range s.sizes[:n] {
		s.bytes -= size
	}
	s.sizes = s.sizes[n:]
	return out, nil
}

// Empty reports whether the queue holds no events.
func (s *EventStorage) Empty() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.queue) == 0
}

// Count returns the queued event count.
func (s *EventStorage) Count() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return int64(len(s.queue))
}

// Full signals when the accumulated payload size warrants an early flush.
func (s *EventStorage) Full() <-chan struct{} { return s.full }

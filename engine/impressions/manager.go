package impressions

import (
	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// Manager applies the configured impressions mode to evaluation outcomes,
// deciding what reaches the queue and what only feeds counters.
type Manager struct {
	mode     string
	observer *Observer
	counter  *Counter
	uniques  *UniqueKeysTracker
	runtime  *telemetry.Storage
}

// NewManager builds the pipeline front-end for the given mode.
func NewManager(mode string, runtime *telemetry.Storage) (*Manager, error) {
	m := &Manager{mode: mode, runtime: runtime}
	switch mode {
	case conf.ImpressionsModeNone:
		m.counter = NewCounter()
		m.uniques = NewUniqueKeysTracker()
	case conf.ImpressionsModeDebug:
		observer, err := NewObserver()
		if err != nil {
			return nil, err
		}
		m.observer = observer
	default: // OPTIMIZED
		observer, err := NewObserver()
		if err != nil {
			return nil, err
		}
		m.observer = observer
		m.counter = NewCounter()
	}
	return m, nil
}

// Mode returns the configured impressions mode.
func (m *Manager) Mode() string { return m.mode }

// Process stamps previous-times and returns the impressions that must be
// queued for posting. Suppressed impressions feed the hour counters instead.
func (m *Manager) Process(impressions []dtos.Impression) []dtos.Impression {
	switch m.mode {
	case conf.ImpressionsModeNone:
		for idx := range impressions {
			m.counter.Inc(impressions[idx].FeatureName, impressions[idx].Time, 1)
			m.uniques.Track(impressions[idx].FeatureName, impressions[idx].KeyName)
		}
		return nil
	case conf.ImpressionsModeDebug:
		for idx := range impressions {
			impressions[idx].Pt = m.observer.TestAndSet(&impressions[idx])
		}
		return impressions
	default: // OPTIMIZED
		forQueue := make([]dtos.Impression, 0, len(impressions))
		for idx := range impressions {
			impression := impressions[idx]
			previous := m.observer.TestAndSet(&impression)
			impression.Pt = previous
			if previous != 0 && TruncateToHour(previous) == TruncateToHour(impression.Time) {
				// Seen this hour already: count it, do not queue it.
				m.counter.Inc(impression.FeatureName, impression.Time, 1)
				m.runtime.RecordImpressionsStats(telemetry.ImpressionsDeduped, 1)
				continue
			}
			forQueue = append(forQueue, impression)
		}
		return forQueue
	}
}

// PopCounts drains the hour counters, nil when the mode keeps none.
func (m *Manager) PopCounts() []dtos.ImpressionCountDTO {
	if m.counter == nil {
		return nil
	}
	return m.counter.PopAll()
}

// PopUniques drains the unique-keys sets, nil outside NONE mode.
func (m *Manager) PopUniques() *dtos.UniqueKeysDTO {
	if m.uniques == nil {
		return nil
	}
	return m.uniques.PopAll()
}

// ClearUniquesFilter opens a new unique-keys dedup window.
func (m *Manager) ClearUniquesFilter() {
	if m.uniques != nil {
		m.uniques.ClearFilter()
	}
}

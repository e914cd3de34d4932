package push

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/synchronizer"
	"github.com/splitio/go-client/telemetry"
)

// Occupancy channel names, after the presence prefix is stripped.
const (
	channelControlPri = "control_pri"
	channelControlSec = "control_sec"
)

// SSE connection shutdown reasons for telemetry.
const (
	sseShutdownRequested    = 0
	sseShutdownNonRequested = 1
)

// statusTracker folds occupancy counts, control messages, error events and
// disconnects into push-subsystem status transitions. It assumes a healthy
// connection until proven wrong, and propagates at most one error per
// connection.
type statusTracker struct {
	mtx sync.Mutex

	publishers       map[string]int64
	lastControl      string
	lastPropagated   synchronizer.PushStatus
	controlStamp     int64
	occupancyStamp   int64
	shutdownExpected bool

	runtime *telemetry.Storage
	logger  log.Logger
}

func newStatusTracker(runtime *telemetry.Storage, logger log.Logger) *statusTracker {
	t := &statusTracker{runtime: runtime, logger: logger}
	t.Reset()
	return t
}

// Reset restores the initial optimistic state. Called on every reconnect.
func (t *statusTracker) Reset() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.publishers = map[string]int64{channelControlPri: 2, channelControlSec: 2}
	t.lastControl = controlStreamingEnabled
	t.lastPropagated = synchronizer.PushSubsystemUp
	t.controlStamp = -1
	t.occupancyStamp = -1
	t.shutdownExpected = false
}

// NotifyShutdownExpected suppresses status changes for a disconnect the
// manager itself requested.
func (t *statusTracker) NotifyShutdownExpected() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.shutdownExpected = true
}

// HandleOccupancy folds one publisher-count report. Stale or unknown-channel
// reports are ignored.
func (t *statusTracker) HandleOccupancy(event *occupancyMessage) (synchronizer.PushStatus, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.shutdownExpected {
		return 0, false
	}
	if _, known := t.publishers[event.Channel]; !known {
		level.Info(t.logger).Log("msg", "occupancy report for unknown channel", "channel", event.Channel)
		return 0, false
	}
	if t.occupancyStamp > event.Timestamp {
		return 0, false
	}
	t.occupancyStamp = event.Timestamp

	t.publishers[event.Channel] = event.Publishers
	eventType := telemetry.EventTypeOccupancyPri
	if event.Channel == channelControlSec {
		eventType = telemetry.EventTypeOccupancySec
	}
	t.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: eventType,
		Data: event.Publishers,
		Time: event.Timestamp,
	})
	return t.nextStatusLocked()
}

// HandleControl folds one streaming-wide control announcement.
func (t *statusTracker) HandleControl(event *controlMessage) (synchronizer.PushStatus, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.shutdownExpected {
		return 0, false
	}
	if t.controlStamp > event.Timestamp {
		return 0, false
	}
	t.controlStamp = event.Timestamp
	t.lastControl = event.ControlType
	return t.nextStatusLocked()
}

// HandleAblyError classifies an error event. Any non-ignorable error implies
// the connection is about to end, so further transitions are suppressed.
func (t *statusTracker) HandleAblyError(event *ablyError) (synchronizer.PushStatus, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.shutdownExpected {
		return 0, false
	}
	if event.Ignorable() {
		level.Debug(t.logger).Log("msg", "ignoring streaming error event", "code", event.Code)
		return 0, false
	}

	t.shutdownExpected = true
	t.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: telemetry.EventTypeAblyError,
		Data: int64(event.Code),
		Time: event.timestamp,
	})
	if event.Retryable() {
		return t.propagateLocked(synchronizer.PushRetryableError), true
	}
	return t.propagateLocked(synchronizer.PushNonRetryableError), true
}

// HandleDisconnect classifies a connection end. A disconnect nobody asked
// for is retried.
func (t *statusTracker) HandleDisconnect() (synchronizer.PushStatus, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.shutdownExpected {
		t.recordConnectionError(sseShutdownRequested)
		return 0, false
	}
	t.recordConnectionError(sseShutdownNonRequested)
	return t.propagateLocked(synchronizer.PushRetryableError), true
}

func (t *statusTracker) recordConnectionError(reason int64) {
	t.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: telemetry.EventTypeConnectionError,
		Data: reason,
		Time: time.Now().UnixMilli(),
	})
}

func (t *statusTracker) occupancyOKLocked() bool {
	for _, count := range t.publishers {
		if count > 0 {
			return true
		}
	}
	return false
}

func (t *statusTracker) propagateLocked(status synchronizer.PushStatus) synchronizer.PushStatus {
	t.lastPropagated = status
	return status
}

// nextStatusLocked derives the transition, if any, implied by the current
// occupancy and control state.
func (t *statusTracker) nextStatusLocked() (synchronizer.PushStatus, bool) {
	recordStatus := func(value int64) {
		t.runtime.RecordStreamingEvent(dtos.StreamingEvent{
			Type: telemetry.EventTypeStreamingStatus,
			Data: value,
			Time: time.Now().UnixMilli(),
		})
	}

	switch t.lastPropagated {
	case synchronizer.PushSubsystemUp:
		if !t.occupancyOKLocked() || t.lastControl == controlStreamingPaused {
			recordStatus(telemetry.StreamingPaused)
			return t.propagateLocked(synchronizer.PushSubsystemDown), true
		}
		if t.lastControl == controlStreamingDisabled {
			recordStatus(telemetry.StreamingDisabled)
			return t.propagateLocked(synchronizer.PushNonRetryableError), true
		}
	case synchronizer.PushSubsystemDown:
		if t.occupancyOKLocked() && t.lastControl == controlStreamingEnabled {
			recordStatus(telemetry.StreamingEnabled)
			return t.propagateLocked(synchronizer.PushSubsystemUp), true
		}
		if t.lastControl == controlStreamingDisabled {
			recordStatus(telemetry.StreamingDisabled)
			return t.propagateLocked(synchronizer.PushNonRetryableError), true
		}
	}
	return 0, false
}

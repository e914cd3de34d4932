package push

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/synchronizer"
	"github.com/splitio/go-client/telemetry"
)

func newTestTracker() *statusTracker {
	return newStatusTracker(telemetry.NewStorage(), log.NewNopLogger())
}

func TestOccupancyDrivesDownAndUp(t *testing.T) {
	tracker := newTestTracker()

	// One channel losing its publishers is not enough.
	_, ok := tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlPri, Timestamp: 10, Publishers: 0})
	assert.False(t, ok)

	// Both empty takes the subsystem down.
	status, ok := tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlSec, Timestamp: 20, Publishers: 0})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushSubsystemDown, status)

	// A publisher coming back brings it up.
	status, ok = tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlPri, Timestamp: 30, Publishers: 1})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushSubsystemUp, status)
}

func TestOccupancyIgnoresStaleAndUnknown(t *testing.T) {
	tracker := newTestTracker()

	_, ok := tracker.HandleOccupancy(&occupancyMessage{Channel: "mystery", Timestamp: 10, Publishers: 0})
	assert.False(t, ok)

	_, ok = tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlPri, Timestamp: 50, Publishers: 0})
	assert.False(t, ok)

	// Older than the last accepted report: dropped, so no transition.
	_, ok = tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlSec, Timestamp: 40, Publishers: 0})
	assert.False(t, ok)
}

func TestControlTransitions(t *testing.T) {
	tracker := newTestTracker()

	status, ok := tracker.HandleControl(&controlMessage{Timestamp: 10, ControlType: controlStreamingPaused})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushSubsystemDown, status)

	// Stale control messages are dropped.
	_, ok = tracker.HandleControl(&controlMessage{Timestamp: 5, ControlType: controlStreamingEnabled})
	assert.False(t, ok)

	status, ok = tracker.HandleControl(&controlMessage{Timestamp: 20, ControlType: controlStreamingEnabled})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushSubsystemUp, status)

	status, ok = tracker.HandleControl(&controlMessage{Timestamp: 30, ControlType: controlStreamingDisabled})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushNonRetryableError, status)
}

func TestControlPausedBlocksOccupancyRecovery(t *testing.T) {
	tracker := newTestTracker()

	status, ok := tracker.HandleControl(&controlMessage{Timestamp: 10, ControlType: controlStreamingPaused})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushSubsystemDown, status)

	// Publishers are fine, but the feed is still paused.
	_, ok = tracker.HandleOccupancy(&occupancyMessage{Channel: channelControlPri, Timestamp: 20, Publishers: 2})
	assert.False(t, ok)
}

func TestAblyErrorHandling(t *testing.T) {
	tracker := newTestTracker()
	_, ok := tracker.HandleAblyError(&ablyError{Code: 50000})
	assert.False(t, ok)

	status, ok := tracker.HandleAblyError(&ablyError{Code: 40142})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushRetryableError, status)

	// The error already announced the shutdown; the disconnect that follows
	// must not emit a second status.
	_, ok = tracker.HandleDisconnect()
	assert.False(t, ok)

	tracker.Reset()
	status, ok = tracker.HandleAblyError(&ablyError{Code: 40012})
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushNonRetryableError, status)
}

func TestUnexpectedDisconnectIsRetryable(t *testing.T) {
	tracker := newTestTracker()
	status, ok := tracker.HandleDisconnect()
	require.True(t, ok)
	assert.Equal(t, synchronizer.PushRetryableError, status)

	tracker.Reset()
	tracker.NotifyShutdownExpected()
	_, ok = tracker.HandleDisconnect()
	assert.False(t, ok)

	// Events arriving after a requested shutdown are ignored outright.
	_, ok = tracker.HandleControl(&controlMessage{Timestamp: 99, ControlType: controlStreamingDisabled})
	assert.False(t, ok)
}

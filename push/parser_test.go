package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOccupancy(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"aP6EuhrcUm:0:0","timestamp":1588254668328,` +
			`"encoding":"json","channel":"[?occupancy=metrics.publishers]control_pri",` +
			`"data":"{\"metrics\":{\"publishers\":1}}","name":"[meta]occupancy"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	occupancy, ok := parsed.(*occupancyMessage)
	require.True(t, ok)
	assert.Equal(t, "control_pri", occupancy.Channel)
	assert.Equal(t, int64(1588254668328), occupancy.Timestamp)
	assert.Equal(t, int64(1), occupancy.Publishers)
}

func TestParseControl(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"x","timestamp":1588254668457,"channel":"control_pri",` +
			`"data":"{\"type\":\"CONTROL\",\"controlType\":\"STREAMING_PAUSED\"}"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	control, ok := parsed.(*controlMessage)
	require.True(t, ok)
	assert.Equal(t, controlStreamingPaused, control.ControlType)
	assert.Equal(t, int64(1588254668457), control.Timestamp)
}

func TestParseSplitUpdate(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"x","timestamp":1588254669,"channel":"NzM2_MTI5_splits",` +
			`"data":"{\"type\":\"SPLIT_UPDATE\",\"changeNumber\":1500,\"pcn\":1400,\"d\":\"eyJ9\",\"c\":1}"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	update, ok := parsed.(*splitUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(1500), update.ChangeNumber)
	require.NotNil(t, update.PreviousChangeNumber)
	assert.Equal(t, int64(1400), *update.PreviousChangeNumber)
	assert.Equal(t, "eyJ9", update.Definition)
	require.NotNil(t, update.Compression)
	assert.Equal(t, int64(1), *update.Compression)
}

func TestParseSplitUpdateWithoutDefinition(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"x","timestamp":1588254669,"channel":"NzM2_MTI5_splits",` +
			`"data":"{\"type\":\"SPLIT_UPDATE\",\"changeNumber\":1500}"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	update, ok := parsed.(*splitUpdate)
	require.True(t, ok)
	assert.Nil(t, update.PreviousChangeNumber)
	assert.Nil(t, update.Compression)
	assert.Empty(t, update.Definition)
}

func TestParseSplitKill(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"x","timestamp":1588254669,"channel":"NzM2_MTI5_splits",` +
			`"data":"{\"type\":\"SPLIT_KILL\",\"changeNumber\":1600,\"splitName\":\"checkout\",\"defaultTreatment\":\"off\"}"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	kill, ok := parsed.(*splitKill)
	require.True(t, ok)
	assert.Equal(t, "checkout", kill.SplitName)
	assert.Equal(t, "off", kill.DefaultTreatment)
	assert.Equal(t, int64(1600), kill.ChangeNumber)
}

func TestParseSegmentUpdate(t *testing.T) {
	raw := RawEvent{
		Event: "message",
		Data: `{"id":"x","timestamp":1588254669,"channel":"NzM2_MTI5_segments",` +
			`"data":"{\"type\":\"SEGMENT_UPDATE\",\"changeNumber\":1700,\"segmentName\":\"beta_users\"}"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	update, ok := parsed.(*segmentUpdate)
	require.True(t, ok)
	assert.Equal(t, "beta_users", update.SegmentName)
	assert.Equal(t, int64(1700), update.ChangeNumber)
}

func TestParseAblyError(t *testing.T) {
	raw := RawEvent{
		Event: "error",
		Data:  `{"code":40142,"statusCode":401,"message":"Token expired","href":"https://help.ably.io/error/40142"}`,
	}
	parsed, err := parseEvent(raw)
	require.NoError(t, err)
	ablyErr, ok := parsed.(*ablyError)
	require.True(t, ok)
	assert.Equal(t, 40142, ablyErr.Code)
	assert.Equal(t, 401, ablyErr.StatusCode)
	assert.True(t, ablyErr.Retryable())
	assert.False(t, ablyErr.Ignorable())
}

func TestAblyErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
		ignorable bool
	}{
		{40140, true, false},
		{40149, true, false},
		{40150, false, false},
		{40139, false, false},
		{40012, false, false},
		{39999, false, true},
		{50000, false, true},
	}
	for _, tc := range cases {
		err := &ablyError{Code: tc.code}
		assert.Equal(t, tc.retryable, err.Retryable(), "code %d", tc.code)
		assert.Equal(t, tc.ignorable, err.Ignorable(), "code %d", tc.code)
	}
}

func TestParseEmptyAndInvalid(t *testing.T) {
	parsed, err := parseEvent(RawEvent{Event: "message"})
	require.NoError(t, err)
	assert.Nil(t, parsed)

	_, err = parseEvent(RawEvent{Event: "message", Data: "{not json"})
	assert.Error(t, err)

	_, err = parseEvent(RawEvent{
		Event: "message",
		Data:  `{"channel":"c","data":"{\"type\":\"SOMETHING_ELSE\"}"}`,
	})
	assert.Error(t, err)
}

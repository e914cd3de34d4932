package push

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// tagOccupancy marks presence events on the occupancy channels.
const tagOccupancy = "[meta]occupancy"

// Update types carried in message payloads.
const (
	updateTypeSplitChange   = "SPLIT_UPDATE"
	updateTypeSplitKill     = "SPLIT_KILL"
	updateTypeSegmentChange = "SEGMENT_UPDATE"
	updateTypeControl       = "CONTROL"
)

// Control message subtypes.
const (
	controlStreamingEnabled  = "STREAMING_ENABLED"
	controlStreamingPaused   = "STREAMING_PAUSED"
	controlStreamingDisabled = "STREAMING_DISABLED"
)

// ablyError is an error event pushed by the streaming service before it
// drops the connection.
type ablyError struct {
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Href       string `json:"href"`

	timestamp int64
}

// Retryable reports whether a fresh token and reconnect may clear the error.
func (e *ablyError) Retryable() bool {
	return e.Code >= 40140 && e.Code <= 40149
}

// Ignorable reports errors outside the ably range, which carry no protocol
// meaning for this client.
func (e *ablyError) Ignorable() bool {
	return e.Code < 40000 || e.Code > 49999
}

// occupancyMessage reports the publisher count of one control channel.
type occupancyMessage struct {
	Channel    string
	Timestamp  int64
	Publishers int64
}

// controlMessage is a streaming-wide state announcement.
type controlMessage struct {
	Timestamp   int64
	ControlType string
}

// splitUpdate announces a feature-flag change. Definition carries the
// base64'd (and possibly compressed) new flag body when the backend decides
// the client can apply it without a fetch.
type splitUpdate struct {
	ChangeNumber         int64
	PreviousChangeNumber *int64
	Definition           string
	Compression          *int64
}

// splitKill announces an operator kill; it is applied locally ahead of the
// catch-up fetch.
type splitKill struct {
	ChangeNumber     int64
	SplitName        string
	DefaultTreatment string
}

// segmentUpdate announces a segment membership change.
type segmentUpdate struct {
	ChangeNumber int64
	SegmentName  string
}

type messageEnvelope struct {
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
	Name      string `json:"name"`
}

type notificationData struct {
	Type                 string `json:"type"`
	ChangeNumber         int64  `json:"changeNumber"`
	PreviousChangeNumber *int64 `json:"pcn"`
	Definition           string `json:"d"`
	Compression          *int64 `json:"c"`
	SplitName            string `json:"splitName"`
	DefaultTreatment     string `json:"defaultTreatment"`
	SegmentName          string `json:"segmentName"`
	ControlType          string `json:"controlType"`
	Metrics              struct {
		Publishers int64 `json:"publishers"`
	} `json:"metrics"`
}

// parseEvent turns a raw SSE event into one of the typed notifications
// above. Events with no data (initial sync markers) parse to nil.
func parseEvent(raw RawEvent) (interface{}, error) {
	if raw.Data == "" {
		return nil, nil
	}

	if raw.Event == sseEventError {
		parsed := &ablyError{timestamp: time.Now().UnixMilli()}
		if err := jsonAPI.Unmarshal([]byte(raw.Data), parsed); err != nil {
			return nil, errors.Wrap(err, "parsing error event")
		}
		return parsed, nil
	}

	var envelope messageEnvelope
	if err := jsonAPI.Unmarshal([]byte(raw.Data), &envelope); err != nil {
		return nil, errors.Wrap(err, "parsing message envelope")
	}

	// The message body is a JSON document embedded as a string.
	var data notificationData
	if err := jsonAPI.Unmarshal([]byte(envelope.Data), &data); err != nil {
		return nil, errors.Wrap(err, "parsing message data")
	}

	if envelope.Name == tagOccupancy {
		return &occupancyMessage{
			Channel:    strings.TrimPrefix(envelope.Channel, occupancyPrefix),
			Timestamp:  envelope.Timestamp,
			Publishers: data.Metrics.Publishers,
		}, nil
	}

	switch data.Type {
	case updateTypeSplitChange:
		return &splitUpdate{
			ChangeNumber:         data.ChangeNumber,
			PreviousChangeNumber: data.PreviousChangeNumber,
			Definition:           data.Definition,
			Compression:          data.Compression,
		}, nil
	case updateTypeSplitKill:
		return &splitKill{
			ChangeNumber:     data.ChangeNumber,
			SplitName:        data.SplitName,
			DefaultTreatment: data.DefaultTreatment,
		}, nil
	case updateTypeSegmentChange:
		return &segmentUpdate{
			ChangeNumber: data.ChangeNumber,
			SegmentName:  data.SegmentName,
		}, nil
	case updateTypeControl:
		return &controlMessage{
			Timestamp:   envelope.Timestamp,
			ControlType: data.ControlType,
		}, nil
	}
	return nil, errors.Errorf("unknown update type %q", data.Type)
}

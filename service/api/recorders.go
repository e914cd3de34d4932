package api

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// GroupImpressions folds a flat impression list into the per-feature wire
// shape of POST /testImpressions/bulk, preserving insertion order within
// each feature.
func GroupImpressions(impressions []dtos.Impression) []dtos.ImpressionsDTO {
	index := make(map[string]int)
	out := []dtos.ImpressionsDTO{}
	for _, impression := range impressions {
		pos, ok := index[impression.FeatureName]
		if !ok {
			pos = len(out)
			index[impression.FeatureName] = pos
			out = append(out, dtos.ImpressionsDTO{TestName: impression.FeatureName})
		}
		out[pos].KeyImpressions = append(out[pos].KeyImpressions, dtos.ImpressionDTO{
			KeyName:      impression.KeyName,
			BucketingKey: impression.BucketingKey,
			Treatment:    impression.Treatment,
			Label:        impression.Label,
			ChangeNumber: impression.ChangeNumber,
			Time:         impression.Time,
			Pt:           impression.Pt,
		})
	}
	return out
}

// ImpressionRecorder posts impression bulks and hour counts.
type ImpressionRecorder struct {
	client    *Client
	mode      string
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewImpressionRecorder builds a recorder against the events base URL. mode
// is echoed in the SplitSDKImpressionsMode header.
func NewImpressionRecorder(client *Client, mode string, runtime *telemetry.Storage, logger log.Logger) *ImpressionRecorder {
	return &ImpressionRecorder{client: client, mode: mode, telemetry: runtime, logger: logger}
}

// Record posts one impression bulk.
func (r *ImpressionRecorder) Record(ctx context.Context, impressions []dtos.Impression) error {
	if len(impressions) == 0 {
		return nil
	}
	start := time.Now()
	err := r.client.Post(ctx, "/testImpressions/bulk", GroupImpressions(impressions),
		map[string]string{"SplitSDKImpressionsMode": r.mode})
	if err != nil {
		r.recordError(telemetry.ImpressionSync, err)
		return errors.Wrap(err, "posting impressions")
	}
	r.telemetry.RecordSyncLatency(telemetry.ImpressionSync, time.Since(start))
	r.telemetry.RecordSuccessfulSync(telemetry.ImpressionSync, time.Now())
	return nil
}

// RecordCounts posts one batch of per-feature hour counts.
func (r *ImpressionRecorder) RecordCounts(ctx context.Context, counts []dtos.ImpressionCountDTO) error {
	if len(counts) == 0 {
		return nil
	}
	start := time.Now()
	err := r.client.Post(ctx, "/testImpressions/count", dtos.ImpressionCountsDTO{PerFeature: counts}, nil)
	if err != nil {
		r.recordError(telemetry.ImpressionCountSync, err)
		return errors.Wrap(err, "posting impression counts")
	}
	r.telemetry.RecordSyncLatency(telemetry.ImpressionCountSync, time.Since(start))
	r.telemetry.RecordSuccessfulSync(telemetry.ImpressionCountSync, time.Now())
	return nil
}

func (r *ImpressionRecorder) recordError(resource int, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		r.telemetry.RecordSyncError(resource, httpErr.Code)
	}
}

// EventRecorder posts event bulks.
type EventRecorder struct {
	client    *Client
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewEventRecorder builds a recorder against the events base URL.
func NewEventRecorder(client *Client, runtime *telemetry.Storage, logger log.Logger) *EventRecorder {
	return &EventRecorder{client: client, telemetry: runtime, logger: logger}
}

// Record posts one event bulk.
func (r *EventRecorder) Record(ctx context.Context, events []dtos.EventDTO) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	if err := r.client.Post(ctx, "/events/bulk", events, nil); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			r.telemetry.RecordSyncError(telemetry.EventSync, httpErr.Code)
		}
		return errors.Wrap(err, "posting events")
	}
	r.telemetry.RecordSyncLatency(telemetry.EventSync, time.Since(start))
	r.telemetry.RecordSuccessfulSync(telemetry.EventSync, time.Now())
	return nil
}

// TelemetryRecorder posts the one-shot config echo, the periodic usage
// stats and the unique-keys payloads.
type TelemetryRecorder struct {
	client    *Client
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewTelemetryRecorder builds a recorder against the telemetry base URL.
func NewTelemetryRecorder(client *Client, runtime *telemetry.Storage, logger log.Logger) *TelemetryRecorder {
	return &TelemetryRecorder{client: client, telemetry: runtime, logger: logger}
}

// RecordConfig posts the startup config echo.
func (r *TelemetryRecorder) RecordConfig(ctx context.Context, config *dtos.TelemetryConfig) error {
	if err := r.client.Post(ctx, "/metrics/config", config, nil); err != nil {
		r.recordError(err)
		return errors.Wrap(err, "posting telemetry config")
	}
	return nil
}

// RecordStats posts one usage window.
func (r *TelemetryRecorder) RecordStats(ctx context.Context, stats *dtos.TelemetryStats) error {
	start := time.Now()
	if err := r.client.Post(ctx, "/metrics/usage", stats, nil); err != nil {
		r.recordError(err)
		return errors.Wrap(err, "posting telemetry stats")
	}
	r.telemetry.RecordSyncLatency(telemetry.TelemetrySync, time.Since(start))
	r.telemetry.RecordSuccessfulSync(telemetry.TelemetrySync, time.Now())
	return nil
}

// RecordUniqueKeys posts one unique-keys window (NONE impressions mode).
func (r *TelemetryRecorder) RecordUniqueKeys(ctx context.Context, uniques *dtos.UniqueKeysDTO) error {
	if uniques == nil || len(uniques.Keys) == 0 {
		return nil
	}
	if err := r.client.Post(ctx, "/keys/ss", uniques, nil); err != nil {
		r.recordError(err)
		return errors.Wrap(err, "posting unique keys")
	}
	return nil
}

func (r *TelemetryRecorder) recordError(err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		r.telemetry.RecordSyncError(telemetry.TelemetrySync, httpErr.Code)
	}
}

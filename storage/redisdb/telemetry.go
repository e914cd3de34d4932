package redisdb

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// TelemetryStorage records evaluation telemetry as Redis hash fields keyed
// by instance identity, so one external synchronizer can aggregate several
// SDK processes.
type TelemetryStorage struct {
	client   *redis.Client
	keys     keyBuilder
	metadata dtos.Metadata
	logger   log.Logger
}

// NewTelemetryStorage builds a consumer-mode telemetry writer.
func NewTelemetryStorage(client *redis.Client, prefix string, metadata dtos.Metadata, logger log.Logger) *TelemetryStorage {
	return &TelemetryStorage{client: client, keys: newKeyBuilder(prefix), metadata: metadata, logger: logger}
}

func (s *TelemetryStorage) instanceField() string {
	return s.metadata.SDKVersion + "/" + s.metadata.MachineName + "/" + s.metadata.MachineIP
}

// RecordLatency increments the per-bucket latency field for one method.
func (s *TelemetryStorage) RecordLatency(method string, latency time.Duration) {
	field := s.instanceField() + "/" + method + "/" + strconv.Itoa(telemetry.LatencyBucket(latency))
	ctx := context.Background()
	count, err := s.client.HIncrBy(ctx, s.keys.telemetryLatencies(), field, 1).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error recording latency", "err", err)
		return
	}
	if count == 1 {
		s.client.Expire(ctx, s.keys.telemetryLatencies(), queueTTL)
	}
}

// RecordException increments the exception field for one method.
func (s *TelemetryStorage) RecordException(method string) {
	ctx := context.Background()
	count, err := s.client.HIncrBy(ctx, s.keys.telemetryExceptions(), s.instanceField()+"/"+method, 1).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error recording exception", "err", err)
		return
	}
	if count == 1 {
		s.client.Expire(ctx, s.keys.telemetryExceptions(), queueTTL)
	}
}

// RecordNonReadyUsage is a no-op: consumer mode is ready at construction.
func (s *TelemetryStorage) RecordNonReadyUsage() {}

// RecordBURTimeout is a no-op: consumer mode never blocks on readiness.
func (s *TelemetryStorage) RecordBURTimeout() {}

// PushConfig stores this instance's startup config under the shared hash.
func (s *TelemetryStorage) PushConfig(config *dtos.TelemetryConfig) {
	raw, err := jsonAPI.Marshal(config)
	if err != nil {
		level.Error(s.logger).Log("msg", "error serializing telemetry config", "err", err)
		return
	}
	if err := s.client.HSet(context.Background(), s.keys.telemetryConfig(), s.instanceField(), raw).Err(); err != nil {
		level.Error(s.logger).Log("msg", "error recording telemetry config", "err", err)
	}
}

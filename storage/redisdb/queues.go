package redisdb

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// queueTTL caps how long unconsumed impressions sit in Redis when no
// external synchronizer drains them.
const queueTTL = 3600 * time.Second

// ImpressionStorage pushes impressions onto the shared Redis list, wrapped
// with this instance's metadata so the draining synchronizer can attribute
// them.
type ImpressionStorage struct {
	client   *redis.Client
	keys     keyBuilder
	metadata dtos.Metadata
	logger   log.Logger
}

// NewImpressionStorage builds a consumer-mode impression writer.
func NewImpressionStorage(client *redis.Client, prefix string, metadata dtos.Metadata, logger log.Logger) *ImpressionStorage {
	return &ImpressionStorage{client: client, keys: newKeyBuilder(prefix), metadata: metadata, logger: logger}
}

// LogImpressions RPUSHes one batch. The TTL is armed when this push created
// the list, so an abandoned queue eventually expires.
func (s *ImpressionStorage) LogImpressions(impressions []dtos.Impression) error {
	if len(impressions) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(impressions))
	for _, impression := range impressions {
		raw, err := jsonAPI.Marshal(dtos.ImpressionQueueObject{Metadata: s.metadata, Impression: impression})
		if err != nil {
			return errors.Wrap(err, "serializing impression")
		}
		payloads = append(payloads, raw)
	}

	ctx := context.Background()
	size, err := s.client.RPush(ctx, s.keys.impressions(), payloads...).Result()
	if err != nil {
		return errors.Wrap(err, "pushing impressions to redis")
	}
	if size == int64(len(payloads)) {
		if err := s.client.Expire(ctx, s.keys.impressions(), queueTTL).Err(); err != nil {
			level.Warn(s.logger).Log("msg", "could not arm impression queue ttl", "err", err)
		}
	}
	return nil
}

// PopN is owned by the external synchronizer in consumer mode.
func (s *ImpressionStorage) PopN(n int64) ([]dtos.Impression, error) {
	return nil, errors.New("impressions are drained externally in consumer mode")
}

// Empty reports whether the shared list has no pending impressions.
func (s *ImpressionStorage) Empty() bool { return s.Count() == 0 }

// Count returns the shared list length.
func (s *ImpressionStorage) Count() int64 {
	size, err := s.client.LLen(context.Background(), s.keys.impressions()).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error reading impression queue length", "err", err)
		return 0
	}
	return size
}

// ImpressionCountStorage accumulates per-feature hour counts in the shared
// hash drained by the external synchronizer.
type ImpressionCountStorage struct {
	client *redis.Client
	keys   keyBuilder
	logger log.Logger
}

// NewImpressionCountStorage builds a consumer-mode count writer.
func NewImpressionCountStorage(client *redis.Client, prefix string, logger log.Logger) *ImpressionCountStorage {
	return &ImpressionCountStorage{client: client, keys: newKeyBuilder(prefix), logger: logger}
}

// Record HINCRBYs one batch of counts, fielded as {feature}::{hourBucket}.
func (s *ImpressionCountStorage) Record(counts []dtos.ImpressionCountDTO) error {
	if len(counts) == 0 {
		return nil
	}
	ctx := context.Background()
	pipe := s.client.Pipeline()
	for _, count := range counts {
		field := count.FeatureName + "::" + strconv.FormatInt(count.TimeFrame, 10)
		pipe.HIncrBy(ctx, s.keys.impressionCounts(), field, count.RawCount)
	}
	pipe.Expire(ctx, s.keys.impressionCounts(), queueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "recording impression counts in redis")
	}
	return nil
}

// UniqueKeysStorage pushes unique-key windows onto the shared list.
type UniqueKeysStorage struct {
	client *redis.Client
	keys   keyBuilder
	logger log.Logger
}

// NewUniqueKeysStorage builds a consumer-mode unique-keys writer.
func NewUniqueKeysStorage(client *redis.Client, prefix string, logger log.Logger) *UniqueKeysStorage {
	return &UniqueKeysStorage{client: client, keys: newKeyBuilder(prefix), logger: logger}
}

// Record RPUSHes one {f, ks} document per tracked feature.
func (s *UniqueKeysStorage) Record(uniques *dtos.UniqueKeysDTO) error {
	if uniques == nil || len(uniques.Keys) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(uniques.Keys))
	for _, feature := range uniques.Keys {
		raw, err := jsonAPI.Marshal(feature)
		if err != nil {
			return errors.Wrap(err, "serializing unique keys")
		}
		payloads = append(payloads, raw)
	}
	ctx := context.Background()
	size, err := s.client.RPush(ctx, s.keys.uniqueKeys(), payloads...).Result()
	if err != nil {
		return errors.Wrap(err, "pushing unique keys to redis")
	}
	if size == int64(len(payloads)) {
		s.client.Expire(ctx, s.keys.uniqueKeys(), queueTTL)
	}
	return nil
}

// EventStorage pushes tracked events onto the shared Redis list.
type EventStorage struct {
	client   *redis.Client
	keys     keyBuilder
	metadata dtos.Metadata
	logger   log.Logger
}

// NewEventStorage builds a consumer-mode event writer.
func NewEventStorage(client *redis.Client, prefix string, metadata dtos.Metadata, logger log.Logger) *EventStorage {
	return &EventStorage{client: client, keys: newKeyBuilder(prefix), metadata: metadata, logger: logger}
}

// Push RPUSHes one event. The size argument is ignored: byte accounting only
// matters for the in-process queue.
func (s *EventStorage) Push(event dtos.EventDTO, size int) error {
	raw, err := jsonAPI.Marshal(dtos.QueueStoredEventDTO{Metadata: s.metadata, Event: event})
	if err != nil {
		return errors.Wrap(err, "serializing event")
	}
	if err := s.client.RPush(context.Background(), s.keys.events(), raw).Err(); err != nil {
		return errors.Wrap(err, "pushing event to redis")
	}
	return nil
}

// PopN is owned by the external synchronizer in consumer mode.
func (s *EventStorage) PopN(n int64) ([]dtos.EventDTO, error) {
	return nil, errors.New("events are drained externally in consumer mode")
}

// Empty reports whether the shared list has no pending events.
func (s *EventStorage) Empty() bool { return s.Count() == 0 }

// Count returns the shared list length.
func (s *EventStorage) Count() int64 {
	size, err := s.client.LLen(context.Background(), s.keys.events()).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error reading event queue length", "err", err)
		return 0
	}
	return size
}

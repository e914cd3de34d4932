package redisdb

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"

	"github.com/splitio/go-client/storage"
)

// SegmentStorage reads segment memberships from the Redis sets kept by the
// external synchronizer.
type SegmentStorage struct {
	client *redis.Client
	keys   keyBuilder
	logger log.Logger
}

// NewSegmentStorage builds a consumer-mode segment reader.
func NewSegmentStorage(client *redis.Client, prefix string, logger log.Logger) *SegmentStorage {
	return &SegmentStorage{client: client, keys: newKeyBuilder(prefix), logger: logger}
}

// SegmentContainsKey checks membership with a single SISMEMBER.
func (s *SegmentStorage) SegmentContainsKey(name string, key string) (bool, error) {
	member, err := s.client.SIsMember(context.Background(), s.keys.segment(name), key).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error testing segment membership", "segment", name, "err", err)
		return false, storage.ErrSegmentNotFound
	}
	return member, nil
}

// Keys returns the full membership of one segment.
func (s *SegmentStorage) Keys(name string) map[string]struct{} {
	members, err := s.client.SMembers(context.Background(), s.keys.segment(name)).Result()
	if err != nil {
		if err != redis.Nil {
			level.Error(s.logger).Log("msg", "error fetching segment", "segment", name, "err", err)
		}
		return nil
	}
	out := make(map[string]struct{}, len(members))
	for _, member := range members {
		out[member] = struct{}{}
	}
	return out
}

// SegmentNames scans the segment keyspace, skipping the change-number keys.
func (s *SegmentStorage) SegmentNames() []string {
	keys, err := s.client.Keys(context.Background(), s.keys.segment("*")).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error listing segments", "err", err)
		return []string{}
	}
	out := []string{}
	for _, key := range keys {
		name := s.keys.segmentNameFromKey(key)
		if strings.HasSuffix(name, ".till") {
			continue
		}
		out = append(out, name)
	}
	return out
}

// SegmentKeyCount is not tracked in consumer mode; the external synchronizer
// reports it in its own telemetry.
func (s *SegmentStorage) SegmentKeyCount() int64 { return 0 }

// ChangeNumber returns the stored version of one segment, -1 when unset.
func (s *SegmentStorage) ChangeNumber(name string) int64 {
	raw, err := s.client.Get(context.Background(), s.keys.segmentTill(name)).Result()
	if err != nil {
		if err != redis.Nil {
			level.Error(s.logger).Log("msg", "error fetching segment change number", "segment", name, "err", err)
		}
		return -1
	}
	cn, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return -1
	}
	return cn
}

// Update is owned by the external synchronizer in consumer mode.
func (s *SegmentStorage) Update(name string, toAdd []string, toRemove []string, changeNumber int64) {
	level.Warn(s.logger).Log("msg", "segment updates are not applied in consumer mode", "segment", name)
}

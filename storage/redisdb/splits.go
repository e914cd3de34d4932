package redisdb

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// SplitStorage reads flag definitions straight from Redis. There is no local
// cache: the external synchronizer owns the data and every read sees its
// latest write. Read failures degrade to "not found".
type SplitStorage struct {
	client *redis.Client
	keys   keyBuilder
	logger log.Logger
}

// NewSplitStorage builds a consumer-mode flag reader.
func NewSplitStorage(client *redis.Client, prefix string, logger log.Logger) *SplitStorage {
	return &SplitStorage{client: client, keys: newKeyBuilder(prefix), logger: logger}
}

func (s *SplitStorage) parse(raw string) *grammar.Split {
	var dto dtos.SplitDTO
	if err := jsonAPI.Unmarshal([]byte(raw), &dto); err != nil {
		level.Error(s.logger).Log("msg", "discarding unparseable flag definition", "err", err)
		return nil
	}
	return grammar.NewSplit(&dto, s.logger)
}

// Split returns one flag or nil.
func (s *SplitStorage) Split(name string) *grammar.Split {
	raw, err := s.client.Get(context.Background(), s.keys.split(name)).Result()
	if err != nil {
		if err != redis.Nil {
			level.Error(s.logger).Log("msg", "error fetching flag", "split", name, "err", err)
		}
		return nil
	}
	return s.parse(raw)
}

// FetchMany resolves several flags in one MGET. Missing names map to nil.
func (s *SplitStorage) FetchMany(names []string) map[string]*grammar.Split {
	out := make(map[string]*grammar.Split, len(names))
	if len(names) == 0 {
		return out
	}
	keys := make([]string, len(names))
	for idx, name := range names {
		keys[idx] = s.keys.split(name)
		out[name] = nil
	}
	raws, err := s.client.MGet(context.Background(), keys...).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error fetching flags", "err", err)
		return out
	}
	for idx, raw := range raws {
		if stored, ok := raw.(string); ok {
			out[names[idx]] = s.parse(stored)
		}
	}
	return out
}

// All returns every flag currently stored.
func (s *SplitStorage) All() []*grammar.Split {
	names := s.SplitNames()
	out := make([]*grammar.Split, 0, len(names))
	for _, split := range s.FetchMany(names) {
		if split != nil {
			out = append(out, split)
		}
	}
	return out
}

// SplitNames scans the flag keyspace.
func (s *SplitStorage) SplitNames() []string {
	keys, err := s.client.Keys(context.Background(), s.keys.split("*")).Result()
	if err != nil {
		level.Error(s.logger).Log("msg", "error listing flags", "err", err)
		return []string{}
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.keys.splitNameFromKey(key))
	}
	return out
}

// SegmentNames returns every segment referenced by any stored flag.
func (s *SplitStorage) SegmentNames() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, split := range s.All() {
		for _, segment := range split.ReferencedSegments() {
			if _, dup := seen[segment]; !dup {
				seen[segment] = struct{}{}
				out = append(out, segment)
			}
		}
	}
	return out
}

// NamesByFlagSets resolves flag-set tags via their Redis sets.
func (s *SplitStorage) NamesByFlagSets(sets []string) map[string][]string {
	out := make(map[string][]string, len(sets))
	ctx := context.Background()
	for _, set := range sets {
		names, err := s.client.SMembers(ctx, s.keys.flagSet(set)).Result()
		if err != nil {
			if err != redis.Nil {
				level.Error(s.logger).Log("msg", "error fetching flag set", "set", set, "err", err)
			}
			out[set] = []string{}
			continue
		}
		out[set] = names
	}
	return out
}

// TrafficTypeExists checks the refcount key kept by the synchronizer.
func (s *SplitStorage) TrafficTypeExists(trafficType string) bool {
	raw, err := s.client.Get(context.Background(), s.keys.trafficType(trafficType)).Result()
	if err != nil {
		if err != redis.Nil {
			level.Error(s.logger).Log("msg", "error fetching traffic type", "trafficType", trafficType, "err", err)
		}
		return false
	}
	count, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return err == nil && count > 0
}

// ChangeNumber returns the stored feed version, -1 when unset.
func (s *SplitStorage) ChangeNumber() int64 {
	raw, err := s.client.Get(context.Background(), s.keys.splitsTill()).Result()
	if err != nil {
		if err != redis.Nil {
			level.Error(s.logger).Log("msg", "error fetching flag change number", "err", err)
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
func (s *SplitStorage) Update(toAdd []dtos.SplitDTO, toRemove []dtos.SplitDTO, changeNumber int64) {
	level.Warn(s.logger).Log("msg", "flag updates are not applied in consumer mode")
}

// KillLocally is owned by the external synchronizer in consumer mode.
func (s *SplitStorage) KillLocally(name string, defaultTreatment string, changeNumber int64) {
	level.Warn(s.logger).Log("msg", "local kills are not applied in consumer mode")
}

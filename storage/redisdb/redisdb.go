// Package redisdb implements the consumer-mode storages: flags and segments
// are read from a Redis instance kept current by an external synchronizer,
// while impressions, events and telemetry are pushed for it to drain.
package redisdb

import (
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/splitio/go-client/conf"
)

// NewClient builds a go-redis client from the SDK redis config.
func NewClient(cfg *conf.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}

// keyBuilder derives the namespaced key layout shared by every SDK flavour
// operating on the same Redis instance.
type keyBuilder struct {
	prefix string
}

func newKeyBuilder(prefix string) keyBuilder {
	return keyBuilder{prefix: prefix}
}

func (k keyBuilder) build(suffix string) string {
	if k.prefix == "" {
		return "SPLITIO." + suffix
	}
	return k.prefix + ".SPLITIO." + suffix
}

func (k keyBuilder) split(name string) string       { return k.build("split." + name) }
func (k keyBuilder) splitsTill() string             { return k.build("splits.till") }
func (k keyBuilder) trafficType(tt string) string   { return k.build("trafficType." + tt) }
func (k keyBuilder) flagSet(set string) string      { return k.build("flagSet." + set) }
func (k keyBuilder) segment(name string) string     { return k.build("segment." + name) }
func (k keyBuilder) segmentTill(name string) string { return k.build("segment." + name + ".till") }
func (k keyBuilder) impressions() string            { return k.build("impressions") }
func (k keyBuilder) impressionCounts() string       { return k.build("impressions.count") }
func (k keyBuilder) events() string                 { return k.build("events") }
func (k keyBuilder) uniqueKeys() string             { return k.build("uniquekeys") }
func (k keyBuilder) telemetryConfig() string        { return k.build("telemetry.init") }
func (k keyBuilder) telemetryLatencies() string     { return k.build("telemetry.latencies") }
func (k keyBuilder) telemetryExceptions() string    { return k.build("telemetry.exceptions") }

// splitNameFromKey strips the key prefix back off a scanned flag key.
func (k keyBuilder) splitNameFromKey(key string) string {
	return strings.TrimPrefix(key, k.split(""))
}

// segmentNameFromKey strips the key prefix back off a scanned segment key.
func (k keyBuilder) segmentNameFromKey(key string) string {
	return strings.TrimPrefix(key, k.segment(""))
}

// Package cache provides the shared key/value substrate client and the
// layered cache built on top of it. All gateway counters, cooldowns, and
// cached records live behind these interfaces; multiple gateway instances
// agree on state because every write goes through the same substrate.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found in the cache
var ErrNotFound = errors.New("key not found in cache")

// ErrDegraded is returned when the substrate circuit breaker is open
var ErrDegraded = errors.New("substrate circuit open")

// Cache defines the JSON-valued cache operations
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Substrate extends Cache with the counter and set primitives the metering
// pipeline needs. Every write carries an explicit TTL; there are no
// unbounded keys.
type Substrate interface {
	Cache

	// IncrBy atomically increments an integer counter, setting the TTL on
	// first write. Returns the post-increment value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrByFloat is IncrBy for decimal counters stored as floats
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	// GetInt reads an integer counter; missing keys read as 0
	GetInt(ctx context.Context, key string) (int64, error)
	// GetFloat reads a float counter; missing keys read as 0
	GetFloat(ctx context.Context, key string) (float64, error)
	// SetNX sets a key only if absent; reports whether this caller won
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	// IncrMulti increments several integer counters in one pipelined round
	// trip; all succeed or the call errors.
	IncrMulti(ctx context.Context, incrs []CounterIncr) error
	// ZAddTrim appends a scored member to a sorted set, trims members with
	// score below minScore, and refreshes the TTL.
	ZAddTrim(ctx context.Context, key string, score float64, member string, minScore float64, ttl time.Duration) error
	// ZRangeByScore returns members with scores in [min, max]
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ScanDelete removes every key matching the pattern using cursor
	// iteration, deletions batched. Returns the number of keys removed.
	ScanDelete(ctx context.Context, pattern string) (int64, error)

	// Healthy reports whether the substrate connection is usable
	Healthy() bool
	// ErrorRate returns the recent fraction of failed substrate operations
	ErrorRate() float64
}

// CounterIncr describes one increment in a pipelined batch. Float increments
// set Float and leave Delta zero.
type CounterIncr struct {
	Key     string
	Delta   int64
	Float   float64
	IsFloat bool
	TTL     time.Duration
}

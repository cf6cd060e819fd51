package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RedisConfig holds the connection settings for the shared substrate
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultRedisConfig returns a default substrate configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
	}
}

// incrWithTTLScript atomically increments a counter and sets the TTL when
// the key is created by this increment.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(v) == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// incrFloatWithTTLScript is the float counterpart of incrWithTTLScript
var incrFloatWithTTLScript = redis.NewScript(`
local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// RedisSubstrate implements Substrate against a Redis instance. Operations
// run through a circuit breaker so that a substrate outage degrades the
// gateway instead of stalling it.
type RedisSubstrate struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.Mutex
	windowStart time.Time
	windowOps   int64
	windowErrs  int64
	lastRate    float64
}

// NewRedisSubstrate creates a substrate client and verifies connectivity
func NewRedisSubstrate(cfg RedisConfig, logger observability.Logger, metrics observability.MetricsClient) (*RedisSubstrate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+cfg.ReadTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisSubstrate{
		client:      client,
		logger:      logger,
		metrics:     metrics,
		windowStart: time.Now(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-substrate",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Substrate circuit state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	logger.Info("Connected to substrate", map[string]interface{}{
		"address":   cfg.Address,
		"pool_size": cfg.PoolSize,
	})

	return s, nil
}

// NewRedisSubstrateFromClient wraps an existing client; used by tests with miniredis
func NewRedisSubstrateFromClient(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *RedisSubstrate {
	s := &RedisSubstrate{
		client:      client,
		logger:      logger,
		metrics:     metrics,
		windowStart: time.Now(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-substrate",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	return s
}

// execute runs an operation through the breaker and tracks the error rate
func (s *RedisSubstrate) execute(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = ErrDegraded
	}
	s.track(err)
	return err
}

// track folds one operation outcome into the rolling error-rate window
func (s *RedisSubstrate) track(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.windowStart) > time.Minute {
		if s.windowOps > 0 {
			s.lastRate = float64(s.windowErrs) / float64(s.windowOps)
		} else {
			s.lastRate = 0
		}
		s.windowStart = time.Now()
		s.windowOps = 0
		s.windowErrs = 0
	}
	s.windowOps++
	if err != nil && err != ErrNotFound {
		s.windowErrs++
		if s.metrics != nil {
			s.metrics.IncrementCounterWithLabels("substrate_errors_total", 1, map[string]string{"component": "redis"})
		}
	}
}

// ErrorRate returns the error fraction over the current rolling window
func (s *RedisSubstrate) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowOps == 0 {
		return s.lastRate
	}
	return float64(s.windowErrs) / float64(s.windowOps)
}

// Healthy reports whether the breaker currently admits operations
func (s *RedisSubstrate) Healthy() bool {
	return s.breaker.State() != gobreaker.StateOpen
}

// Get retrieves a JSON value from the substrate
func (s *RedisSubstrate) Get(ctx context.Context, key string, value any) error {
	return s.execute(ctx, func() error {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get value: %w", err)
		}
		if err := json.Unmarshal(data, value); err != nil {
			return fmt.Errorf("failed to unmarshal cache value: %w", err)
		}
		return nil
	})
}

// Set stores a JSON value with an explicit TTL
func (s *RedisSubstrate) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return s.execute(ctx, func() error {
		return s.client.Set(ctx, key, data, ttl).Err()
	})
}

// Delete removes a key
func (s *RedisSubstrate) Delete(ctx context.Context, key string) error {
	return s.execute(ctx, func() error {
		return s.client.Del(ctx, key).Err()
	})
}

// Exists checks whether a key exists
func (s *RedisSubstrate) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.execute(ctx, func() error {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	return found, err
}

// IncrBy atomically increments an integer counter with TTL-on-create
func (s *RedisSubstrate) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var result int64
	err := s.execute(ctx, func() error {
		v, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// IncrByFloat atomically increments a float counter with TTL-on-create
func (s *RedisSubstrate) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	var result float64
	err := s.execute(ctx, func() error {
		v, err := incrFloatWithTTLScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Text()
		if err != nil {
			return err
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("unexpected counter value %q: %w", v, err)
		}
		result = f
		return nil
	})
	return result, err
}

// GetInt reads an integer counter; missing keys read as 0
func (s *RedisSubstrate) GetInt(ctx context.Context, key string) (int64, error) {
	var result int64
	err := s.execute(ctx, func() error {
		v, err := s.client.Get(ctx, key).Int64()
		if err != nil {
			if err == redis.Nil {
				result = 0
				return nil
			}
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// GetFloat reads a float counter; missing keys read as 0
func (s *RedisSubstrate) GetFloat(ctx context.Context, key string) (float64, error) {
	var result float64
	err := s.execute(ctx, func() error {
		v, err := s.client.Get(ctx, key).Float64()
		if err != nil {
			if err == redis.Nil {
				result = 0
				return nil
			}
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// SetNX sets a key only if absent; the first writer wins
func (s *RedisSubstrate) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	var won bool
	err = s.execute(ctx, func() error {
		ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return err
		}
		won = ok
		return nil
	})
	return won, err
}

// IncrMulti applies several counter increments in one pipelined round trip.
// Plain INCR plus EXPIRE NX instead of the Lua scripts: script runs inside a
// pipeline cannot fall back from EVALSHA to EVAL, so a server that has not
// cached the scripts would fail every batch with NOSCRIPT.
func (s *RedisSubstrate) IncrMulti(ctx context.Context, incrs []CounterIncr) error {
	if len(incrs) == 0 {
		return nil
	}
	return s.execute(ctx, func() error {
		pipe := s.client.TxPipeline()
		for _, inc := range incrs {
			if inc.IsFloat {
				pipe.IncrByFloat(ctx, inc.Key, inc.Float)
			} else {
				pipe.IncrBy(ctx, inc.Key, inc.Delta)
			}
			pipe.ExpireNX(ctx, inc.Key, inc.TTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ZAddTrim appends a scored member, trims old members, and refreshes the TTL
func (s *RedisSubstrate) ZAddTrim(ctx context.Context, key string, score float64, member string, minScore float64, ttl time.Duration) error {
	return s.execute(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", minScore))
		pipe.PExpire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ZRangeByScore returns members with scores in [min, max]
func (s *RedisSubstrate) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var members []string
	err := s.execute(ctx, func() error {
		res, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
		if err != nil {
			return err
		}
		members = res
		return nil
	})
	return members, err
}

// ScanDelete removes keys matching the pattern via cursor iteration.
// Deletions are batched; blocking KEYS enumeration is never used.
func (s *RedisSubstrate) ScanDelete(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	err := s.execute(ctx, func() error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := s.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				removed += n
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return removed, err
}

// Close closes the substrate connection
func (s *RedisSubstrate) Close() error {
	return s.client.Close()
}

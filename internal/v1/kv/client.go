// Package kv is the thin contract over the key-value store shared by every
// engine. All Redis access in the process funnels through this facade: no
// component may touch another component's keys except through the methods
// its owner exposes on top of this client.
//
// Failure semantics: idempotent reads degrade to empty results when the
// circuit breaker is open or the connection resets; writes surface errors.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client wraps a shared long-lived Redis connection pool with a circuit
// breaker. The zero/nil client is tolerated by read paths (empty results)
// so callers can run cache-less in degraded mode.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// New creates a robust Redis connection with automatic retries.
func New(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", addr))
	return &Client{
		rdb: rdb,
		cb:  gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Raw returns the underlying Redis client. Reserved for wiring that needs
// the native API, such as the rate limiter store.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// Ping checks Redis connectivity; used by readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return errors.New("kv: no connection")
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// execWrite runs a state-changing command through the breaker; failures
// surface to the caller.
func (c *Client) execWrite(op string, fn func() (interface{}, error)) (interface{}, error) {
	if c == nil || c.rdb == nil {
		return nil, fmt.Errorf("kv: %s: no connection", op)
	}
	res, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return nil, fmt.Errorf("kv: %s: %w", op, err)
	}
	return res, nil
}

// execRead runs an idempotent read through the breaker; on breaker-open or
// transient failure it reports degraded=true so the caller can fall back.
func (c *Client) execRead(op string, fn func() (interface{}, error)) (interface{}, bool) {
	if c == nil || c.rdb == nil {
		return nil, true
	}
	res, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(context.Background(), "Redis circuit breaker open: degrading read", zap.String("op", op))
		} else {
			logging.Error(context.Background(), "Redis read failed", zap.String("op", op), zap.Error(err))
		}
		return nil, true
	}
	return res, false
}

// --- Strings ---

// Get returns the string value at key; missing keys and degraded reads
// return ("", false, degraded).
func (c *Client) Get(ctx context.Context, key string) (string, bool, bool) {
	res, degraded := c.execRead("GET", func() (interface{}, error) {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if degraded || res == nil {
		return "", false, degraded
	}
	return res.(string), true, false
}

// SetWithTTL stores a string value with a mandatory TTL.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.execWrite("SET", func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// Del removes the given keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	_, err := c.execWrite("DEL", func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	return err
}

// Expire refreshes the TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.execWrite("EXPIRE", func() (interface{}, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Incr atomically increments the integer at key.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.execWrite("INCR", func() (interface{}, error) {
		return c.rdb.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Hashes ---

// HashSet writes the given field/value pairs into a hash.
func (c *Client) HashSet(ctx context.Context, key string, fields map[string]any) error {
	_, err := c.execWrite("HSET", func() (interface{}, error) {
		return nil, c.rdb.HSet(ctx, key, fields).Err()
	})
	return err
}

// HashGet reads one hash field; (value, found, degraded).
func (c *Client) HashGet(ctx context.Context, key, field string) (string, bool, bool) {
	res, degraded := c.execRead("HGET", func() (interface{}, error) {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if degraded || res == nil {
		return "", false, degraded
	}
	return res.(string), true, false
}

// HashGetAll reads the whole hash; empty map when missing or degraded.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, bool) {
	res, degraded := c.execRead("HGETALL", func() (interface{}, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	if degraded || res == nil {
		return map[string]string{}, degraded
	}
	return res.(map[string]string), false
}

// HashIncr atomically increments an integer hash field.
func (c *Client) HashIncr(ctx context.Context, key, field string, delta int64) (int64, error) {
	res, err := c.execWrite("HINCRBY", func() (interface{}, error) {
		return c.rdb.HIncrBy(ctx, key, field, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// HashIncrFloat atomically increments a real-valued hash field.
func (c *Client) HashIncrFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	res, err := c.execWrite("HINCRBYFLOAT", func() (interface{}, error) {
		return c.rdb.HIncrByFloat(ctx, key, field, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// HashDel removes fields from a hash.
func (c *Client) HashDel(ctx context.Context, key string, fields ...string) error {
	_, err := c.execWrite("HDEL", func() (interface{}, error) {
		return nil, c.rdb.HDel(ctx, key, fields...).Err()
	})
	return err
}

// HashLen returns the number of fields in a hash.
func (c *Client) HashLen(ctx context.Context, key string) (int64, bool) {
	res, degraded := c.execRead("HLEN", func() (interface{}, error) {
		return c.rdb.HLen(ctx, key).Result()
	})
	if degraded || res == nil {
		return 0, degraded
	}
	return res.(int64), false
}

// --- Sorted sets ---

// Member pairs a sorted-set member with its score.
type Member struct {
	Member string
	Score  float64
}

// ZAdd inserts or updates members in a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, members ...Member) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	_, err := c.execWrite("ZADD", func() (interface{}, error) {
		return nil, c.rdb.ZAdd(ctx, key, zs...).Err()
	})
	return err
}

// ZIncr atomically adds delta to a member's score and returns the new score.
func (c *Client) ZIncr(ctx context.Context, key, member string, delta float64) (float64, error) {
	res, err := c.execWrite("ZINCRBY", func() (interface{}, error) {
		return c.rdb.ZIncrBy(ctx, key, delta, member).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// ZRevRangeWithScores returns members ordered high-to-low in [start, stop].
func (c *Client) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, bool) {
	res, degraded := c.execRead("ZREVRANGE", func() (interface{}, error) {
		return c.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	})
	if degraded || res == nil {
		return nil, degraded
	}
	zs := res.([]redis.Z)
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Member{Member: member, Score: z.Score})
	}
	return out, false
}

// ZRevRank returns the 0-based high-to-low rank of member; found=false when absent.
func (c *Client) ZRevRank(ctx context.Context, key, member string) (int64, bool, bool) {
	res, degraded := c.execRead("ZREVRANK", func() (interface{}, error) {
		rank, err := c.rdb.ZRevRank(ctx, key, member).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return rank, nil
	})
	if degraded || res == nil {
		return 0, false, degraded
	}
	return res.(int64), true, false
}

// ZScore returns the score of member; found=false when absent.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, bool) {
	res, degraded := c.execRead("ZSCORE", func() (interface{}, error) {
		score, err := c.rdb.ZScore(ctx, key, member).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return score, nil
	})
	if degraded || res == nil {
		return 0, false, degraded
	}
	return res.(float64), true, false
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.execWrite("ZREM", func() (interface{}, error) {
		return nil, c.rdb.ZRem(ctx, key, args...).Err()
	})
	return err
}

// ZCard returns the cardinality of a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, bool) {
	res, degraded := c.execRead("ZCARD", func() (interface{}, error) {
		return c.rdb.ZCard(ctx, key).Result()
	})
	if degraded || res == nil {
		return 0, degraded
	}
	return res.(int64), false
}

// ZRangeByScoreLimit returns up to count members with min <= score <= max,
// ordered low-to-high. Used by the queue's delayed-job promoter.
func (c *Client) ZRangeByScoreLimit(ctx context.Context, key string, min, max string, count int64) ([]string, bool) {
	res, degraded := c.execRead("ZRANGEBYSCORE", func() (interface{}, error) {
		return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: min, Max: max, Count: count,
		}).Result()
	})
	if degraded || res == nil {
		return nil, degraded
	}
	return res.([]string), false
}

// --- Sets ---

// SetAdd adds members to a set.
func (c *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.execWrite("SADD", func() (interface{}, error) {
		return nil, c.rdb.SAdd(ctx, key, args...).Err()
	})
	return err
}

// SetRem removes members from a set.
func (c *Client) SetRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.execWrite("SREM", func() (interface{}, error) {
		return nil, c.rdb.SRem(ctx, key, args...).Err()
	})
	return err
}

// SetMembers returns all members of a set; empty on miss or degradation.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, bool) {
	res, degraded := c.execRead("SMEMBERS", func() (interface{}, error) {
		return c.rdb.SMembers(ctx, key).Result()
	})
	if degraded || res == nil {
		return nil, degraded
	}
	return res.([]string), false
}

// --- Lists (queue backing) ---

// ListPush prepends values to a list.
func (c *Client) ListPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := c.execWrite("LPUSH", func() (interface{}, error) {
		return nil, c.rdb.LPush(ctx, key, args...).Err()
	})
	return err
}

// ListPop pops from the tail of a list; ("", false, nil) when empty.
func (c *Client) ListPop(ctx context.Context, key string) (string, bool, error) {
	res, err := c.execWrite("RPOP", func() (interface{}, error) {
		v, err := c.rdb.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// ListLen returns the length of a list.
func (c *Client) ListLen(ctx context.Context, key string) (int64, bool) {
	res, degraded := c.execRead("LLEN", func() (interface{}, error) {
		return c.rdb.LLen(ctx, key).Result()
	})
	if degraded || res == nil {
		return 0, degraded
	}
	return res.(int64), false
}

// ListRange returns list elements in [start, stop].
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	res, degraded := c.execRead("LRANGE", func() (interface{}, error) {
		return c.rdb.LRange(ctx, key, start, stop).Result()
	})
	if degraded || res == nil {
		return nil, degraded
	}
	return res.([]string), false
}

// --- Pipeline ---

// Pipeline executes fn against a pipeliner and flushes it in one round trip.
func (c *Client) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.execWrite("PIPELINE", func() (interface{}, error) {
		pipe := c.rdb.Pipeline()
		if err := fn(pipe); err != nil {
			return nil, err
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

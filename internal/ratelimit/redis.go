package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "commerce:ratelimit:"

// tokenBucketScript пополняет корзину пропорционально прошедшему времени и забирает один токен.
// Состояние хранится в hash с TTL, равным времени полного пополнения.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	last = now
end

local elapsed = math.max(0, now - last) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', key, ttl)
return allowed
`

// Scripter покрывает часть клиента go-redis, нужную ограничителю.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisTokenBucket — распределённый token bucket поверх Redis.
type RedisTokenBucket struct {
	client Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisTokenBucket создаёт ограничитель; корзина вмещает Capacity токенов
// и полностью пополняется за Window.
func NewRedisTokenBucket(client Scripter, cfg Config) *RedisTokenBucket {
	return &RedisTokenBucket{
		client: client,
		cfg:    cfg.normalized(),
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
}

// NewRedisClient создаёт клиента go-redis по адресу host:port.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func (r *RedisTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	ratePerSecond := float64(r.cfg.Capacity) / r.cfg.Window.Seconds()

	result, err := r.client.Eval(
		ctx,
		tokenBucketScript,
		[]string{r.prefix + key},
		r.cfg.Capacity,
		ratePerSecond,
		r.now().UnixMilli(),
		r.cfg.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis token bucket: %w", err)
	}
	return result == 1, nil
}

var _ Limiter = (*RedisTokenBucket)(nil)

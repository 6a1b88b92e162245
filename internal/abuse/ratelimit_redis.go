package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

// slidingWindowScript — окно на ZSET, всё в одном атомарном вызове.
// KEYS[1] = ключ окна (identity × класс)
// ARGV[1] = now, мс
// ARGV[2] = burst
// ARGV[3] = лимит в минуту
// ARGV[4] = лимит в час
// ARGV[5] = уникальный member для текущего запроса
// Ответ: {allowed, reason, recent, hour}; reason 1 = burst, 2 = минута, 3 = час.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local per_minute = tonumber(ARGV[3])
local per_hour = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - 3600000)

local recent = redis.call("ZCOUNT", key, "(" .. (now - 60000), "+inf")
local hour = redis.call("ZCARD", key)

if recent >= burst then
    return {0, 1, recent, hour}
end
if recent >= per_minute then
    return {0, 2, recent, hour}
end
if hour >= per_hour then
    return {0, 3, recent, hour}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, 3600000)
return {1, 0, recent, hour}
`)

// RedisLimiter — общее для всех инстансов окно в Redis.
type RedisLimiter struct {
	client *redis.Client
	limits Limits
}

func NewRedisLimiter(client *redis.Client, limits Limits) *RedisLimiter {
	return &RedisLimiter{client: client, limits: limits}
}

func (r *RedisLimiter) Allow(ctx context.Context, identity string, class Class, now time.Time) (Decision, error) {
	cfg := r.limits.For(class)
	key := infra.RateLimitKey(identity, string(class))
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), cfg.BurstLimit, cfg.RequestsPerMinute, cfg.RequestsPerHour, member).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 4 {
		return Decision{}, fmt.Errorf("invalid response from lua script")
	}
	recent, _ := results[2].(int64)
	hour, _ := results[3].(int64)

	// Решение повторяем локально, чтобы причины и остаток совпадали с MemoryLimiter
	d, _ := evaluate(cfg, int(recent), int(hour), now)
	return d, nil
}

package abuse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiter_Burst(t *testing.T) {
	l := NewMemoryLimiter(Limits{})
	ctx := context.Background()
	now := newClock().Now()

	first, err := l.Allow(ctx, "alice", ClassPayment, now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 59, first.Remaining)

	for i := 1; i < 10; i++ {
		d, err := l.Allow(ctx, "alice", ClassPayment, now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}

	d, err := l.Allow(ctx, "alice", ClassPayment, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeRateLimited, d.Code)
	assert.Equal(t, ReasonBurst, d.Reason)
	assert.Equal(t, now.Add(time.Minute), d.ResetTime)

	// другой класс считается отдельно
	d, err = l.Allow(ctx, "alice", ClassAPICall, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// окно сдвинулось
	d, err = l.Allow(ctx, "alice", ClassPayment, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_PerMinuteAndHour(t *testing.T) {
	l := NewMemoryLimiter(Limits{ByClass: map[Class]RateLimitConfig{
		ClassRobotControl: {RequestsPerMinute: 3, RequestsPerHour: 1000, BurstLimit: 100},
		ClassPayment:      {RequestsPerMinute: 100, RequestsPerHour: 5, BurstLimit: 100},
	}})
	ctx := context.Background()
	start := newClock().Now()

	for i := 0; i < 3; i++ {
		d, _ := l.Allow(ctx, "bob", ClassRobotControl, start)
		require.True(t, d.Allowed)
	}
	d, _ := l.Allow(ctx, "bob", ClassRobotControl, start)
	assert.Equal(t, ReasonPerMinute, d.Reason)
	assert.Equal(t, start.Add(time.Minute), d.ResetTime)

	for i := 0; i < 5; i++ {
		d, _ := l.Allow(ctx, "bob", ClassPayment, start.Add(time.Duration(i)*time.Second))
		require.True(t, d.Allowed)
	}
	at := start.Add(10 * time.Minute)
	d, _ = l.Allow(ctx, "bob", ClassPayment, at)
	assert.Equal(t, ReasonPerHour, d.Reason)
	assert.Equal(t, at.Add(time.Hour), d.ResetTime)

	// первая отметка ровно час назад уже не считается
	d, _ = l.Allow(ctx, "bob", ClassPayment, start.Add(time.Hour))
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_PruneAndLen(t *testing.T) {
	l := NewMemoryLimiter(Limits{})
	ctx := context.Background()
	now := newClock().Now()

	_, _ = l.Allow(ctx, "a", ClassPayment, now)
	_, _ = l.Allow(ctx, "b", ClassPayment, now)
	_, _ = l.Allow(ctx, "a", ClassAPICall, now)
	assert.Equal(t, 3, l.Len())

	assert.Equal(t, 0, l.Prune(now.Add(30*time.Minute)))
	assert.Equal(t, 3, l.Prune(now.Add(time.Hour)))
	assert.Zero(t, l.Len())
}

func TestMemoryLimiter_BurstProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted within one instant never exceeds burst", prop.ForAll(
		func(burst, n int) bool {
			l := NewMemoryLimiter(Limits{Default: RateLimitConfig{BurstLimit: burst}})
			now := time.Unix(1_700_000_000, 0)
			allowed := 0
			for i := 0; i < n; i++ {
				if d, _ := l.Allow(context.Background(), "p", ClassPayment, now); d.Allowed {
					allowed++
				}
			}
			return allowed == min(n, burst)
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

func TestRedisLimiter_Integration(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("skipping integration test: redis not available")
	}
	defer client.Close()

	identity := "it-" + time.Now().Format("150405.000000")
	client.Del(ctx, infra.RateLimitKey(identity, string(ClassPayment)))
	defer client.Del(ctx, infra.RateLimitKey(identity, string(ClassPayment)))

	l := NewRedisLimiter(client, Limits{Default: RateLimitConfig{BurstLimit: 3}})
	now := time.Now()
	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, identity, ClassPayment, now)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, identity, ClassPayment, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBurst, d.Reason)
}

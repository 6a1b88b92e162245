package abuse

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RequestsPerHour   int           `mapstructure:"requests_per_hour"`
	BurstLimit        int           `mapstructure:"burst_limit"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60, RequestsPerHour: 1000, BurstLimit: 10, Cooldown: 300 * time.Second}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = d.RequestsPerMinute
	}
	if c.RequestsPerHour <= 0 {
		c.RequestsPerHour = d.RequestsPerHour
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = d.BurstLimit
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Limits — лимиты по классам запросов, Default для неуказанных.
type Limits struct {
	Default RateLimitConfig
	ByClass map[Class]RateLimitConfig
}

func (l Limits) For(c Class) RateLimitConfig {
	if cfg, ok := l.ByClass[c]; ok {
		return cfg.withDefaults()
	}
	return l.Default.withDefaults()
}

// Limiter — скользящее окно на identity × класс.
type Limiter interface {
	Allow(ctx context.Context, identity string, class Class, now time.Time) (Decision, error)
}

// evaluate — общая формула для окна: сначала burst, затем минута, затем час.
// recent — запросов за последние 60с, hour — за последний час, до записи текущего.
func evaluate(cfg RateLimitConfig, recent, hour int, now time.Time) (Decision, bool) {
	switch {
	case recent >= cfg.BurstLimit:
		return deny(CodeRateLimited, ReasonBurst, now.Add(minuteWindow)), false
	case recent >= cfg.RequestsPerMinute:
		return deny(CodeRateLimited, ReasonPerMinute, now.Add(minuteWindow)), false
	case hour >= cfg.RequestsPerHour:
		return deny(CodeRateLimited, ReasonPerHour, now.Add(hourWindow)), false
	}
	remaining := min(cfg.RequestsPerMinute-recent-1, cfg.RequestsPerHour-(hour+1))
	return Decision{Allowed: true, ResetTime: now.Add(minuteWindow), Remaining: max(remaining, 0)}, true
}

const limiterShards = 32

type limiterShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// MemoryLimiter держит окна в памяти процесса. Ключи разнесены по шардам,
// чтобы горячие identity не блокировали друг друга.
type MemoryLimiter struct {
	limits Limits
	shards [limiterShards]*limiterShard
}

func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	m := &MemoryLimiter{limits: limits}
	for i := range m.shards {
		m.shards[i] = &limiterShard{windows: make(map[string][]time.Time)}
	}
	return m
}

func (m *MemoryLimiter) shard(key string) *limiterShard {
	return m.shards[xxhash.Sum64String(key)%limiterShards]
}

func (m *MemoryLimiter) Allow(_ context.Context, identity string, class Class, now time.Time) (Decision, error) {
	cfg := m.limits.For(class)
	key := string(class) + ":" + identity
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	window := prune(sh.windows[key], now)
	recent := 0
	for _, t := range window {
		if now.Sub(t) < minuteWindow {
			recent++
		}
	}

	d, ok := evaluate(cfg, recent, len(window), now)
	if ok {
		window = append(window, now)
	}
	if len(window) == 0 {
		delete(sh.windows, key)
	} else {
		sh.windows[key] = window
	}
	return d, nil
}

// Prune удаляет окна, в которых не осталось запросов за последний час.
func (m *MemoryLimiter) Prune(now time.Time) int {
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			w = prune(w, now)
			if len(w) == 0 {
				delete(sh.windows, k)
				removed++
				continue
			}
			sh.windows[k] = w
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len — число отслеживаемых окон (identity × класс).
func (m *MemoryLimiter) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// prune отбрасывает отметки старше часа. Отметки идут по возрастанию.
func prune(window []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(window) && now.Sub(window[i]) >= hourWindow {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

package abuse

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

// BlacklistRepository — система записи для заблокированных identity.
type BlacklistRepository interface {
	ListBlacklisted(ctx context.Context) ([]string, error)
	AddToBlacklist(ctx context.Context, identity, reason string) error
	RemoveFromBlacklist(ctx context.Context, identity string) error
}

// Blacklist: L1 в памяти для горячего пути, L2 множество в Redis,
// изменения расходятся по инстансам сигналами "identity:true|false".
type Blacklist struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	repo    BlacklistRepository
	rdb     *redis.Client
	logger  *zap.Logger
}

// NewBlacklist: repo и rdb могут быть nil, тогда список живёт только в памяти.
func NewBlacklist(rdb *redis.Client, repo BlacklistRepository, logger *zap.Logger) *Blacklist {
	return &Blacklist{
		blocked: make(map[string]struct{}),
		repo:    repo,
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "blacklist")),
	}
}

// Init загружает список из БД и прогревает Redis.
func (b *Blacklist) Init(ctx context.Context) error {
	var ids []string
	switch {
	case b.repo != nil:
		var err error
		if ids, err = b.repo.ListBlacklisted(ctx); err != nil {
			return fmt.Errorf("failed to fetch blacklist from DB: %w", err)
		}
	case b.rdb != nil:
		var err error
		if ids, err = b.rdb.SMembers(ctx, infra.RedisKeyBlacklist).Result(); err != nil {
			return fmt.Errorf("failed to fetch blacklist from redis: %w", err)
		}
	}

	if b.rdb == nil {
		b.replace(ids)
		return nil
	}
	return warmupSet(ctx, b.rdb, b.logger, ids, infra.RedisKeyBlacklist, infra.RedisKeyLockBlacklist, b.replace)
}

func (b *Blacklist) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	b.mu.Lock()
	b.blocked = next
	b.mu.Unlock()
}

// StartListener блокирует до отмены ctx.
func (b *Blacklist) StartListener(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	listenResilient(ctx, b.rdb, b.logger, infra.RedisChanBlacklist,
		b.Init,
		func(payload string) {
			id, status, ok := parseStateSignal(payload)
			if !ok {
				b.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			b.set(id, status)
		},
	)
}

func (b *Blacklist) set(id string, blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blocked {
		b.blocked[id] = struct{}{}
	} else {
		delete(b.blocked, id)
	}
}

// Contains — проверка в горячем пути, только L1.
func (b *Blacklist) Contains(identity string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[identity]
	return ok
}

func (b *Blacklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blocked)
}

func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.blocked))
	for id := range b.blocked {
		out = append(out, id)
	}
	return out
}

// Add: сначала БД, затем L1, затем Redis-множество и сигнал соседям.
func (b *Blacklist) Add(ctx context.Context, identity, reason string) error {
	if b.repo != nil {
		if err := b.repo.AddToBlacklist(ctx, identity, reason); err != nil {
			return fmt.Errorf("blacklist add %s: %w", identity, err)
		}
	}
	b.set(identity, true)
	b.logger.Info("identity blacklisted", zap.String("identity", identity), zap.String("reason", reason))
	return b.broadcast(ctx, identity, true)
}

func (b *Blacklist) Remove(ctx context.Context, identity string) error {
	if b.repo != nil {
		if err := b.repo.RemoveFromBlacklist(ctx, identity); err != nil {
			return fmt.Errorf("blacklist remove %s: %w", identity, err)
		}
	}
	b.set(identity, false)
	b.logger.Info("identity removed from blacklist", zap.String("identity", identity))
	return b.broadcast(ctx, identity, false)
}

// Block реализует Blacklister для RiskScorer.
func (b *Blacklist) Block(ctx context.Context, identity, reason string) error {
	return b.Add(ctx, identity, reason)
}

func (b *Blacklist) broadcast(ctx context.Context, identity string, blocked bool) error {
	if b.rdb == nil {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlacklist, identity)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlacklist, identity)
	}
	pipe.Publish(ctx, infra.RedisChanBlacklist, stateSignal(identity, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		// БД уже записана, соседи догонят на переподключении
		b.logger.Warn("blacklist signal not delivered", zap.String("identity", identity), zap.Error(err))
		return fmt.Errorf("blacklist broadcast %s: %w", identity, err)
	}
	return nil
}

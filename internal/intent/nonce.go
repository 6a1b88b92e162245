package intent

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

// NonceStore — граница персистентности для защиты от повторов.
type NonceStore interface {
	// Consume атомарно помечает nonce плательщика использованным. false — nonce уже был.
	Consume(ctx context.Context, payer string, nonce int64, ttl time.Duration) (bool, error)
	// ClaimPaymentID закрепляет paymentId за отпечатком заявки и возвращает
	// отпечаток, который хранился до этого (или переданный, если id свободен).
	ClaimPaymentID(ctx context.Context, paymentID, fingerprint string, ttl time.Duration) (string, error)
}

// NonceSource выдаёт строго возрастающие unix-millis nonce в пределах процесса.
type NonceSource struct {
	last atomic.Int64
	now  func() time.Time
}

func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now}
}

func (s *NonceSource) Next() int64 {
	for {
		prev := s.last.Load()
		n := s.now().UnixMilli()
		if n <= prev {
			n = prev + 1 // коллизия в пределах миллисекунды
		}
		if s.last.CompareAndSwap(prev, n) {
			return n
		}
	}
}

const nonceShards = 32

type nonceShard struct {
	mu     sync.Mutex
	nonces map[string]map[int64]time.Time // payer -> nonce -> истечение
}

type paymentClaim struct {
	fingerprint string
	expiresAt   time.Time
}

// MemoryNonceStore — in-memory реализация. Шардирование по плательщику,
// чтобы разные identity не конкурировали за один мьютекс.
type MemoryNonceStore struct {
	shards [nonceShards]nonceShard

	mu       sync.Mutex
	payments map[string]paymentClaim

	now func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	s := &MemoryNonceStore{
		payments: make(map[string]paymentClaim),
		now:      time.Now,
	}
	for i := range s.shards {
		s.shards[i].nonces = make(map[string]map[int64]time.Time)
	}
	return s
}

func (s *MemoryNonceStore) shard(payer string) *nonceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(payer))
	return &s.shards[h.Sum32()%nonceShards]
}

func (s *MemoryNonceStore) Consume(_ context.Context, payer string, nonce int64, ttl time.Duration) (bool, error) {
	now := s.now()
	sh := s.shard(payer)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	seen, ok := sh.nonces[payer]
	if !ok {
		seen = make(map[int64]time.Time)
		sh.nonces[payer] = seen
	}
	// ленивая чистка истёкших записей этого плательщика
	for n, exp := range seen {
		if now.After(exp) {
			delete(seen, n)
		}
	}
	if _, used := seen[nonce]; used {
		return false, nil
	}
	seen[nonce] = now.Add(ttl)
	return true, nil
}

func (s *MemoryNonceStore) ClaimPaymentID(_ context.Context, paymentID, fingerprint string, ttl time.Duration) (string, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.payments[paymentID]; ok && now.Before(c.expiresAt) {
		return c.fingerprint, nil
	}
	s.payments[paymentID] = paymentClaim{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
	return fingerprint, nil
}

// RedisNonceStore хранит nonce в Redis, что даёт защиту от повторов между инстансами.
type RedisNonceStore struct {
	rdb *redis.Client
}

func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

func (s *RedisNonceStore) Consume(ctx context.Context, payer string, nonce int64, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, infra.NonceKey(payer, nonce), 1, ttl).Result()
}

func (s *RedisNonceStore) ClaimPaymentID(ctx context.Context, paymentID, fingerprint string, ttl time.Duration) (string, error) {
	key := infra.PaymentIDKey(paymentID)
	ok, err := s.rdb.SetNX(ctx, key, fingerprint, ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return fingerprint, nil
	}
	return s.rdb.Get(ctx, key).Result()
}

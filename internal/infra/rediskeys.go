package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "paygate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlacklist         = RedisNamespace + ":abuse:blacklist_set"
	RedisKeyLockBlacklist     = RedisNamespace + ":lock:warmup:blacklist"
	RedisKeyPauseActive       = RedisNamespace + ":pause:active"
	RedisKeyRateLimitPrefix   = RedisNamespace + ":ratelimit:"
	RedisKeyNoncePrefix       = RedisNamespace + ":nonce:"
	RedisKeyPaymentIDPrefix   = RedisNamespace + ":payment_id:"
	RedisKeyLockEscrowSweeper = RedisNamespace + ":lock:escrow:sweeper"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBlacklist — сигналы "identity:true|false" от консоли к шлюзам.
	RedisChanBlacklist = RedisNamespace + ":abuse:blacklist-signal"
	// RedisChanPause — JSON снимок паузы после активации/снятия.
	RedisChanPause = RedisNamespace + ":abuse:pause-signal"
)

// NonceKey ключ одноразового nonce конкретного плательщика
func NonceKey(payer string, nonce int64) string {
	return fmt.Sprintf("%s%s:%d", RedisKeyNoncePrefix, payer, nonce)
}

func PaymentIDKey(paymentID string) string {
	return RedisKeyPaymentIDPrefix + paymentID
}

// RateLimitKey ключ скользящего окна для identity и класса запросов
func RateLimitKey(identity, class string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyRateLimitPrefix, class, identity)
}

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}

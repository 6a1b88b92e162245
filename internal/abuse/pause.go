package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

type PauseLevel string

const (
	PausePartial  PauseLevel = "partial"
	PauseFull     PauseLevel = "full"
	PauseCritical PauseLevel = "critical"
)

type PauseStatus string

const (
	PauseActive      PauseStatus = "active"
	PauseDeactivated PauseStatus = "deactivated"
	PauseExpired     PauseStatus = "expired"
)

// OperationEmergency — операция, которую уполномоченный оператор может выполнять во время паузы.
const OperationEmergency = "emergency_operation"

type PauseConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Triggers            []string      `mapstructure:"triggers"`
	Duration            time.Duration `mapstructure:"duration"`
	AuthorizedOperators []string      `mapstructure:"authorized_operators"`
	AffectedSystems     []string      `mapstructure:"affected_systems"`
}

func DefaultPauseConfig() PauseConfig {
	return PauseConfig{
		Enabled:         true,
		Triggers:        []string{"security_breach", "hardware_failure"},
		Duration:        time.Hour,
		AffectedSystems: []string{SystemPayments, SystemRobotControl, SystemIoTDevices},
	}
}

type PauseRecord struct {
	ID              string        `json:"pauseId"`
	Trigger         string        `json:"trigger"`
	Level           PauseLevel    `json:"level"`
	Reason          string        `json:"reason,omitempty"`
	StartTime       time.Time     `json:"startTime"`
	Duration        time.Duration `json:"duration"`
	AuthorizedBy    string        `json:"authorizedBy"`
	AffectedSystems []string      `json:"affectedSystems"`
	Status          PauseStatus   `json:"status"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	DeactivatedBy   string        `json:"deactivatedBy,omitempty"`
}

func (p PauseRecord) Until() time.Time { return p.StartTime.Add(p.Duration) }

func (p PauseRecord) Remaining(now time.Time) time.Duration {
	return max(p.Until().Sub(now), 0)
}

func (p PauseRecord) Affects(system string) bool {
	return slices.Contains(p.AffectedSystems, system)
}

type PauseErrorCode string

const (
	PauseErrDisabled       PauseErrorCode = "pause_disabled"
	PauseErrUnauthorized   PauseErrorCode = "unauthorized"
	PauseErrInvalidTrigger PauseErrorCode = "invalid_trigger"
	PauseErrAlreadyPaused  PauseErrorCode = "already_paused"
	PauseErrNotPaused      PauseErrorCode = "not_paused"
)

type PauseError struct {
	Code       PauseErrorCode
	Message    string
	PauseUntil time.Time
	Remaining  time.Duration
}

func (e *PauseError) Error() string { return e.Message }

func (e *PauseError) Is(target error) bool {
	var t *PauseError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrPauseDisabled       = &PauseError{Code: PauseErrDisabled}
	ErrPauseUnauthorized   = &PauseError{Code: PauseErrUnauthorized}
	ErrPauseInvalidTrigger = &PauseError{Code: PauseErrInvalidTrigger}
	ErrAlreadyPaused       = &PauseError{Code: PauseErrAlreadyPaused}
	ErrNotPaused           = &PauseError{Code: PauseErrNotPaused}
)

type ActivateRequest struct {
	Trigger         string        `json:"trigger"`
	Level           PauseLevel    `json:"level,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	AuthorizedBy    string        `json:"authorizedBy"`
	AffectedSystems []string      `json:"affectedSystems,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

type OperationDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Level      PauseLevel    `json:"level,omitempty"`
	Trigger    string        `json:"trigger,omitempty"`
	Remaining  time.Duration `json:"remainingTime,omitempty"`
	PauseUntil time.Time     `json:"pauseUntil,omitempty"`
}

// PauseRepository хранит историю пауз. SavePause — upsert по ID.
type PauseRepository interface {
	SavePause(ctx context.Context, rec PauseRecord) error
	ListPauses(ctx context.Context, limit int) ([]PauseRecord, error)
}

// PauseController — глобальный выключатель. Паузы не складываются:
// пока одна активна, вторая не стартует. Истечение применяется лениво при каждом чтении.
type PauseController struct {
	cfg       PauseConfig
	operators map[string]struct{}
	repo      PauseRepository
	rdb       *redis.Client
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	active  *PauseRecord
	history []PauseRecord
}

func NewPauseController(cfg PauseConfig, repo PauseRepository, rdb *redis.Client, logger *zap.Logger) *PauseController {
	d := DefaultPauseConfig()
	if len(cfg.Triggers) == 0 {
		cfg.Triggers = d.Triggers
	}
	if cfg.Duration <= 0 {
		cfg.Duration = d.Duration
	}
	if len(cfg.AffectedSystems) == 0 {
		cfg.AffectedSystems = d.AffectedSystems
	}
	return &PauseController{
		cfg:       cfg,
		operators: toSet(cfg.AuthorizedOperators),
		repo:      repo,
		rdb:       rdb,
		logger:    logger.With(zap.String("mod", "pause")),
		now:       time.Now,
	}
}

func (c *PauseController) WithClock(now func() time.Time) *PauseController {
	c.now = now
	return c
}

func (c *PauseController) IsAuthorized(operator string) bool {
	_, ok := c.operators[operator]
	return ok
}

// Init восстанавливает историю и активную паузу из БД.
func (c *PauseController) Init(ctx context.Context) error {
	if c.repo == nil {
		return c.loadShared(ctx)
	}
	recs, err := c.repo.ListPauses(ctx, 500)
	if err != nil {
		return fmt.Errorf("failed to load pause history: %w", err)
	}
	// репозиторий отдаёт новые сверху, храним по времени старта
	slices.SortFunc(recs, func(a, b PauseRecord) int { return a.StartTime.Compare(b.StartTime) })

	c.mu.Lock()
	c.history = recs
	c.active = nil
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Status == PauseActive {
			r := c.history[i]
			c.active = &r
			break
		}
	}
	expired := c.expireLocked(c.now())
	c.mu.Unlock()

	c.persistExpired(ctx, expired)
	return nil
}

func (c *PauseController) Activate(ctx context.Context, req ActivateRequest) (PauseRecord, error) {
	if !c.cfg.Enabled {
		return PauseRecord{}, &PauseError{Code: PauseErrDisabled, Message: "Emergency pause is disabled in configuration"}
	}
	if !c.IsAuthorized(req.AuthorizedBy) {
		return PauseRecord{}, &PauseError{Code: PauseErrUnauthorized, Message: "Unauthorized user cannot activate emergency pause"}
	}
	if !slices.Contains(c.cfg.Triggers, req.Trigger) {
		return PauseRecord{}, &PauseError{Code: PauseErrInvalidTrigger, Message: "Invalid trigger: " + req.Trigger}
	}

	now := c.now()
	c.mu.Lock()
	expired := c.expireLocked(now)
	if c.active != nil {
		cur := *c.active
		c.mu.Unlock()
		c.persistExpired(ctx, expired)
		return cur, alreadyPaused(cur, now)
	}

	rec := PauseRecord{
		ID:              fmt.Sprintf("pause_%d_%s", now.UnixMilli(), randSuffix(6)),
		Trigger:         req.Trigger,
		Level:           req.Level,
		Reason:          req.Reason,
		StartTime:       now,
		Duration:        req.Duration,
		AuthorizedBy:    req.AuthorizedBy,
		AffectedSystems: slices.Clone(req.AffectedSystems),
		Status:          PauseActive,
	}
	if rec.Level == "" {
		rec.Level = PauseFull
	}
	if rec.Duration <= 0 {
		rec.Duration = c.cfg.Duration
	}
	if len(rec.AffectedSystems) == 0 {
		rec.AffectedSystems = slices.Clone(c.cfg.AffectedSystems)
	}

	if c.rdb != nil {
		// общий ключ решает, чья пауза; локально фиксируем только после захвата
		c.mu.Unlock()
		c.persistExpired(ctx, expired)
		expired = nil
		holder, err := c.claim(ctx, rec)
		if err != nil {
			c.logger.Warn("shared pause claim failed, activating locally", zap.String("pause_id", rec.ID), zap.Error(err))
		}
		if holder != nil {
			c.apply(*holder)
			c.logger.Info("emergency pause held by another instance", zap.String("pause_id", holder.ID), zap.String("rejected_by", rec.AuthorizedBy))
			return *holder, alreadyPaused(*holder, now)
		}
		c.mu.Lock()
		if c.active != nil && c.active.ID != rec.ID {
			cur := *c.active
			c.mu.Unlock()
			if err == nil {
				// захват наш, но локально уже стоит другая пауза: ключ отпускаем
				c.rdb.Del(ctx, infra.RedisKeyPauseActive)
			}
			return cur, alreadyPaused(cur, now)
		}
	}
	c.active = &rec
	c.history = append(c.history, rec)
	c.mu.Unlock()

	c.persistExpired(ctx, expired)
	c.logger.Warn("emergency pause activated",
		zap.String("pause_id", rec.ID),
		zap.String("trigger", rec.Trigger),
		zap.String("level", string(rec.Level)),
		zap.Strings("systems", rec.AffectedSystems),
		zap.String("by", rec.AuthorizedBy),
		zap.Duration("duration", rec.Duration))

	if err := c.persist(ctx, rec); err != nil {
		return rec, err
	}
	c.publish(ctx, rec)
	return rec, nil
}

func alreadyPaused(cur PauseRecord, now time.Time) *PauseError {
	return &PauseError{
		Code:       PauseErrAlreadyPaused,
		Message:    "System is already in emergency pause mode",
		PauseUntil: cur.Until(),
		Remaining:  cur.Remaining(now),
	}
}

// claim занимает общий ключ паузы через SetNX. Ключ занят — возвращает паузу держателя.
func (c *PauseController) claim(ctx context.Context, rec PauseRecord) (*PauseRecord, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode pause %s: %w", rec.ID, err)
	}
	// ключ может истечь между SetNX и Get, тогда пробуем снова
	for range 3 {
		ok, err := c.rdb.SetNX(ctx, infra.RedisKeyPauseActive, payload, rec.Duration).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim shared pause: %w", err)
		}
		if ok {
			return nil, nil
		}
		raw, err := c.rdb.Get(ctx, infra.RedisKeyPauseActive).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read shared pause: %w", err)
		}
		var holder PauseRecord
		if err := json.Unmarshal(raw, &holder); err != nil {
			return nil, fmt.Errorf("failed to decode shared pause: %w", err)
		}
		return &holder, nil
	}
	return nil, errors.New("shared pause key is contended")
}

func (c *PauseController) Deactivate(ctx context.Context, operator string) (PauseRecord, error) {
	if !c.IsAuthorized(operator) {
		return PauseRecord{}, &PauseError{Code: PauseErrUnauthorized, Message: "Unauthorized user cannot deactivate emergency pause"}
	}

	now := c.now()
	c.mu.Lock()
	expired := c.expireLocked(now)
	if c.active == nil {
		c.mu.Unlock()
		c.persistExpired(ctx, expired)
		return PauseRecord{}, &PauseError{Code: PauseErrNotPaused, Message: "No active emergency pause to deactivate"}
	}
	rec := *c.active
	rec.Status = PauseDeactivated
	rec.EndTime = &now
	rec.DeactivatedBy = operator
	c.active = nil
	c.upsertLocked(rec)
	c.mu.Unlock()

	c.persistExpired(ctx, expired)
	c.logger.Info("emergency pause deactivated", zap.String("pause_id", rec.ID), zap.String("by", operator))

	if err := c.persist(ctx, rec); err != nil {
		return rec, err
	}
	c.publish(ctx, rec)
	return rec, nil
}

// CheckOperationAllowed — решение для операции над подсистемой.
func (c *PauseController) CheckOperationAllowed(ctx context.Context, operation, system, userID string) OperationDecision {
	now := c.now()
	c.mu.Lock()
	expired := c.expireLocked(now)
	var cur *PauseRecord
	if c.active != nil {
		r := *c.active
		cur = &r
	}
	c.mu.Unlock()
	c.persistExpired(ctx, expired)

	if cur == nil || !cur.Affects(system) {
		return OperationDecision{Allowed: true}
	}
	if operation == OperationEmergency && c.IsAuthorized(userID) {
		return OperationDecision{Allowed: true}
	}
	return OperationDecision{
		Reason:     "System is in emergency pause mode due to: " + cur.Trigger,
		Level:      cur.Level,
		Trigger:    cur.Trigger,
		Remaining:  cur.Remaining(now),
		PauseUntil: cur.Until(),
	}
}

// Active возвращает текущую паузу, если она есть и не истекла.
func (c *PauseController) Active(ctx context.Context) (PauseRecord, bool) {
	c.mu.Lock()
	expired := c.expireLocked(c.now())
	var (
		rec PauseRecord
		ok  bool
	)
	if c.active != nil {
		rec, ok = *c.active, true
	}
	c.mu.Unlock()
	c.persistExpired(ctx, expired)
	return rec, ok
}

func (c *PauseController) History(ctx context.Context) []PauseRecord {
	c.mu.Lock()
	expired := c.expireLocked(c.now())
	out := make([]PauseRecord, len(c.history))
	copy(out, c.history)
	c.mu.Unlock()
	c.persistExpired(ctx, expired)
	return out
}

// StartListener применяет снимки пауз соседних инстансов. Блокирует до отмены ctx.
func (c *PauseController) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	listenResilient(ctx, c.rdb, c.logger, infra.RedisChanPause,
		c.Init,
		func(payload string) {
			var rec PauseRecord
			if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.ID == "" {
				c.logger.Error("invalid pause signal", zap.String("payload", payload))
				return
			}
			c.apply(rec)
		},
	)
}

// loadShared подтягивает активную паузу из Redis, когда БД не подключена.
func (c *PauseController) loadShared(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, infra.RedisKeyPauseActive).Bytes()
	if errors.Is(err, redis.Nil) {
		// снятие могло прийти, пока мы были отключены
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read shared pause: %w", err)
	}
	var rec PauseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("failed to decode shared pause: %w", err)
	}
	c.apply(rec)
	return nil
}

// apply — идемпотентное слияние снимка, включая собственные сообщения.
func (c *PauseController) apply(rec PauseRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch rec.Status {
	case PauseActive:
		if c.active == nil || c.active.ID == rec.ID {
			r := rec
			c.active = &r
		}
	default:
		if c.active != nil && c.active.ID == rec.ID {
			c.active = nil
		}
	}
	c.upsertLocked(rec)
}

func (c *PauseController) upsertLocked(rec PauseRecord) {
	for i := range c.history {
		if c.history[i].ID == rec.ID {
			c.history[i] = rec
			return
		}
	}
	c.history = append(c.history, rec)
}

// expireLocked закрывает истёкшую паузу. Вызывается под c.mu.
func (c *PauseController) expireLocked(now time.Time) *PauseRecord {
	if c.active == nil || now.Before(c.active.Until()) {
		return nil
	}
	rec := *c.active
	end := rec.Until()
	rec.Status = PauseExpired
	rec.EndTime = &end
	c.active = nil
	c.upsertLocked(rec)
	return &rec
}

func (c *PauseController) persistExpired(ctx context.Context, rec *PauseRecord) {
	if rec == nil {
		return
	}
	c.logger.Info("emergency pause expired", zap.String("pause_id", rec.ID))
	if err := c.persist(ctx, *rec); err != nil {
		c.logger.Error("failed to persist expired pause", zap.String("pause_id", rec.ID), zap.Error(err))
	}
}

func (c *PauseController) persist(ctx context.Context, rec PauseRecord) error {
	if c.repo == nil {
		return nil
	}
	if err := c.repo.SavePause(ctx, rec); err != nil {
		return fmt.Errorf("save pause %s: %w", rec.ID, err)
	}
	return nil
}

func (c *PauseController) publish(ctx context.Context, rec PauseRecord) {
	if c.rdb == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("failed to encode pause signal", zap.Error(err))
		return
	}
	pipe := c.rdb.TxPipeline()
	// активную паузу ключ уже получил в claim
	if rec.Status != PauseActive {
		pipe.Del(ctx, infra.RedisKeyPauseActive)
	}
	pipe.Publish(ctx, infra.RedisChanPause, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("pause signal not delivered", zap.String("pause_id", rec.ID), zap.Error(err))
	}
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

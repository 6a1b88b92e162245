package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/metrics"
)

type LedgerConfig struct {
	FeePercent  decimal.Decimal
	AutoRelease time.Duration
	Policy      ReleasePolicy
}

type CreateRequest struct {
	SessionID   string
	Payer       string
	Recipient   string
	Amount      int64
	Currency    string
	Conditions  []ConditionType
	AutoRelease time.Duration
}

// Ledger — бизнес-логика эскроу. Переходы статуса сериализуются мьютексом на счёт,
// а в хранилище идут через compare-and-set по статусу: из двух конкурентных
// release/refund успешен только один.
type Ledger struct {
	store   Store
	cfg     LedgerConfig
	locks   sync.Map // escrowID -> *sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLedger(store Store, cfg LedgerConfig, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if cfg.AutoRelease <= 0 {
		cfg.AutoRelease = DefaultAutoRelease
	}
	if cfg.Policy == "" {
		cfg.Policy = ReleasePolicyAny
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Ledger{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.Named("escrow"),
		metrics: m,
	}
}

// WithClock подменяет часы (тесты, симуляции таймаута).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) lock(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) CreateEscrow(ctx context.Context, req CreateRequest) (*Account, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive, got %d", req.Amount)
	}
	if req.Payer == "" || req.Recipient == "" {
		return nil, errors.New("escrow: payer and recipient are required")
	}

	autoRelease := req.AutoRelease
	if autoRelease <= 0 {
		autoRelease = l.cfg.AutoRelease
	}
	currency := req.Currency
	if currency == "" {
		currency = "USDC"
	}

	// timeout есть всегда, остальные условия без дублей
	conds := []Condition{{Type: ConditionTimeout}}
	seen := map[ConditionType]bool{ConditionTimeout: true}
	for _, t := range req.Conditions {
		if !t.Valid() {
			return nil, fmt.Errorf("escrow: unknown release condition %q", t)
		}
		if !seen[t] {
			seen[t] = true
			conds = append(conds, Condition{Type: t})
		}
	}

	now := l.now()
	a := &Account{
		ID:            newEscrowID(now),
		SessionID:     req.SessionID,
		Payer:         req.Payer,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Currency:      currency,
		Status:        StatusLocked,
		Conditions:    conds,
		AutoReleaseAt: now.Add(autoRelease),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("escrow: create: %w", err)
	}

	l.metrics.EscrowTransitions.WithLabelValues(string(StatusLocked)).Inc()
	l.logger.Info("funds locked",
		zap.String("escrow_id", a.ID),
		zap.String("session_id", a.SessionID),
		zap.Int64("amount", a.Amount),
		zap.Time("auto_release_at", a.AutoReleaseAt))
	return a, nil
}

// LockFunds — вход для расчёта в режиме escrow: выдача по завершению сессии или через таймаут.
func (l *Ledger) LockFunds(ctx context.Context, sessionID, payer, recipient string, amount int64, currency string) (string, error) {
	a, err := l.CreateEscrow(ctx, CreateRequest{
		SessionID:  sessionID,
		Payer:      payer,
		Recipient:  recipient,
		Amount:     amount,
		Currency:   currency,
		Conditions: []ConditionType{ConditionSessionCompletion, ConditionTimeout},
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*Account, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, status Status, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.List(ctx, status, limit)
}

// CheckReleaseConditions: timeout считается выполненным, как только now >= autoReleaseAt.
// Чистая функция от счёта и времени, состояние не меняет.
func (l *Ledger) CheckReleaseConditions(a *Account, now time.Time) bool {
	timedOut := !now.Before(a.AutoReleaseAt)
	if timedOut {
		return true
	}

	switch l.cfg.Policy {
	case ReleasePolicyAll:
		others := 0
		for _, c := range a.Conditions {
			if c.Type == ConditionTimeout {
				continue
			}
			others++
			if !c.Satisfied {
				return false
			}
		}
		return others > 0
	default:
		for _, c := range a.Conditions {
			if c.Type != ConditionTimeout && c.Satisfied {
				return true
			}
		}
		return false
	}
}

// SatisfyCondition отмечает условие выполненным. Одобрение оператора и решение спора
// добавляются к счёту, даже если не были заявлены при создании.
func (l *Ledger) SatisfyCondition(ctx context.Context, id string, t ConditionType) (*Account, error) {
	if !t.Valid() || t == ConditionTimeout {
		return nil, fmt.Errorf("escrow: condition %q cannot be satisfied manually", t)
	}
	defer l.lock(id)()
	return l.satisfy(ctx, id, t)
}

func (l *Ledger) satisfy(ctx context.Context, id string, t ConditionType) (*Account, error) {
	a, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusLocked {
		return nil, invalidState(id, a.Status)
	}

	now := l.now()
	c := a.condition(t)
	if c == nil {
		if t == ConditionSessionCompletion {
			return nil, &EscrowError{Code: CodeConditionsNotMet, EscrowID: id, Detail: "session_completion not declared"}
		}
		a.Conditions = append(a.Conditions, Condition{Type: t})
		c = &a.Conditions[len(a.Conditions)-1]
	}
	if c.Satisfied {
		return a, nil
	}
	c.Satisfied = true
	c.SatisfiedAt = &now
	a.UpdatedAt = now

	if err := l.store.UpdateIfStatus(ctx, a, StatusLocked); err != nil {
		return nil, err
	}
	l.logger.Info("release condition satisfied", zap.String("escrow_id", id), zap.String("condition", string(t)))
	return a, nil
}

// Release выдаёт средства получателю за вычетом комиссии платформы.
// Повторный вызов — ошибка InvalidState, а не тихий no-op.
func (l *Ledger) Release(ctx context.Context, id string) (*Account, error) {
	defer l.lock(id)()
	return l.release(ctx, id, "released")
}

func (l *Ledger) release(ctx context.Context, id, resolution string) (*Account, error) {
	a, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusLocked {
		return nil, invalidState(id, a.Status)
	}
	now := l.now()
	if !l.CheckReleaseConditions(a, now) {
		return nil, &EscrowError{Code: CodeConditionsNotMet, EscrowID: id}
	}

	split := domain.SplitFee(a.Amount, l.cfg.FeePercent)
	a.Status = StatusReleased
	a.PlatformFee = split.PlatformFee
	a.NetAmount = split.NetAmount
	a.Resolution = resolution
	a.ResolvedAt = &now
	a.UpdatedAt = now

	if err := l.store.UpdateIfStatus(ctx, a, StatusLocked); err != nil {
		return nil, err
	}

	l.metrics.EscrowTransitions.WithLabelValues(string(StatusReleased)).Inc()
	l.logger.Info("escrow released",
		zap.String("escrow_id", id),
		zap.String("resolution", resolution),
		zap.Int64("platform_fee", a.PlatformFee),
		zap.Int64("net_amount", a.NetAmount))
	return a, nil
}

// Refund возвращает средства плательщику. Взаимоисключающий с Release.
func (l *Ledger) Refund(ctx context.Context, id, reason string) (*Account, error) {
	defer l.lock(id)()

	a, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusLocked {
		return nil, invalidState(id, a.Status)
	}

	now := l.now()
	a.Status = StatusRefunded
	a.Resolution = reason
	a.ResolvedAt = &now
	a.UpdatedAt = now
	if err := l.store.UpdateIfStatus(ctx, a, StatusLocked); err != nil {
		return nil, err
	}

	l.metrics.EscrowTransitions.WithLabelValues(string(StatusRefunded)).Inc()
	l.logger.Info("escrow refunded", zap.String("escrow_id", id), zap.String("reason", reason))
	return a, nil
}

// FinalizeSession закрывает все locked-счета сессии: session_completion, затем release.
// Вызывается до финализации статуса сессии; при ошибке сессия не должна считаться закрытой.
func (l *Ledger) FinalizeSession(ctx context.Context, sessionID string) ([]*Account, error) {
	accounts, err := l.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list session %s: %w", sessionID, err)
	}

	released := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Status != StatusLocked {
			continue
		}
		rel, err := l.finalizeOne(ctx, a.ID)
		if err != nil {
			return released, fmt.Errorf("escrow: finalize session %s: %w", sessionID, err)
		}
		released = append(released, rel)
	}
	return released, nil
}

func (l *Ledger) finalizeOne(ctx context.Context, id string) (*Account, error) {
	defer l.lock(id)()
	if _, err := l.satisfy(ctx, id, ConditionSessionCompletion); err != nil {
		// счёт без session_completion (например, ручной эскроу) выдаём только по своим условиям
		if !errors.Is(err, ErrConditionsNotMet) {
			return nil, err
		}
	}
	return l.release(ctx, id, "session_completed")
}

// ReleaseDue — проход сборщика: выдаёт счета с истёкшим таймаутом.
func (l *Ledger) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.ListDue(ctx, now, 500)
	if err != nil {
		return 0, fmt.Errorf("escrow: list due: %w", err)
	}
	n := 0
	for _, a := range due {
		unlock := l.lock(a.ID)
		_, err := l.release(ctx, a.ID, "auto_released")
		unlock()
		if err != nil {
			// гонка с ручным release/refund, это нормальный исход
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			l.logger.Error("auto release failed", zap.String("escrow_id", a.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func newEscrowID(now time.Time) string {
	return fmt.Sprintf("escrow_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

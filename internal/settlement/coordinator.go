package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/metrics"
)

// Stage — стадия жизненного цикла расчёта.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageInvoiceCreated    Stage = "invoice_created"
	StageSignatureObtained Stage = "signature_obtained"
	StageSubmitted         Stage = "submitted"
	StageSettled           Stage = "settled"
	StageFailed            Stage = "failed"
)

var stageTransitions = map[Stage][]Stage{
	StageIdle:              {StageInvoiceCreated, StageFailed},
	StageInvoiceCreated:    {StageSignatureObtained, StageFailed},
	StageSignatureObtained: {StageSubmitted, StageFailed},
	StageSubmitted:         {StageSettled, StageFailed},
}

func (s Stage) CanAdvance(next Stage) bool {
	for _, n := range stageTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s Stage) Final() bool { return s == StageSettled || s == StageFailed }

// Mode — куда уходят средства после подписи.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeEscrow Mode = "escrow"
)

type Settlement struct {
	ID            string     `json:"settlementId"`
	PaymentID     string     `json:"paymentId"`
	ResourceID    string     `json:"agentId"`
	SessionID     string     `json:"sessionId,omitempty"`
	Payer         string     `json:"payer"`
	Recipient     string     `json:"recipient"`
	Amount        int64      `json:"amount"`
	AmountDisplay string     `json:"amountDisplay"`
	Currency      string     `json:"currency"`
	Mode          Mode       `json:"mode"`
	Stage         Stage      `json:"stage"`
	Template      string     `json:"transaction,omitempty"`
	SignedTx      string     `json:"-"`
	TxSignature   string     `json:"txSignature,omitempty"`
	Slot          uint64     `json:"slot,omitempty"`
	ExplorerURL   string     `json:"explorerUrl,omitempty"`
	EscrowID      string     `json:"escrowId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	RedeemedAt    *time.Time `json:"redeemedAt,omitempty"` // ресурс уже выдан по этой оплате
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// EscrowLocker блокирует средства в эскроу вместо прямого перевода.
type EscrowLocker interface {
	LockFunds(ctx context.Context, sessionID, payer, recipient string, amount int64, currency string) (string, error)
}

type StageStore interface {
	Save(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	// FindByTx ищет расчёт по подписи транзакции в леджере.
	FindByTx(ctx context.Context, txSignature string) (*Settlement, error)
}

type MemoryStageStore struct {
	mu    sync.RWMutex
	items map[string]Settlement
	byTx  map[string]string // txSignature -> settlementID
}

func NewMemoryStageStore() *MemoryStageStore {
	return &MemoryStageStore{items: make(map[string]Settlement), byTx: make(map[string]string)}
}

func (m *MemoryStageStore) Save(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	m.items[s.ID] = *s
	if s.TxSignature != "" {
		m.byTx[s.TxSignature] = s.ID
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStageStore) FindByTx(_ context.Context, txSignature string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[txSignature]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrSettlementNotFound, txSignature)
	}
	s := m.items[id]
	return &s, nil
}

func (m *MemoryStageStore) Get(_ context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
	}
	return &s, nil
}

type CoordinatorConfig struct {
	SubmitTimeout time.Duration
	Network       string
	Currency      string
}

type InvoiceRequest struct {
	ResourceID string
	Payer      string
	Mode       Mode
	SessionID  string
}

// IntentSettlement — офчейн заявка, уже подписанная плательщиком (путь X-PAYMENT).
type IntentSettlement struct {
	PaymentID  string
	ResourceID string
	SessionID  string
	Payer      string
	Recipient  string
	Amount     int64
	Payment    string // base64 X-PAYMENT, пересылается фасилитатору как есть
	Mode       Mode
}

// Coordinator ведёт расчёт по стадиям. Сам ничего не повторяет: при ошибке
// расчёт переходит в failed, решение о новой попытке за вызывающим.
type Coordinator struct {
	fac     Facilitator
	escrow  EscrowLocker
	store   StageStore
	cfg     CoordinatorConfig
	locks   sync.Map // settlementID -> *sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(fac Facilitator, escrow EscrowLocker, store StageStore, cfg CoordinatorConfig, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.Network == "" {
		cfg.Network = "devnet"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	if store == nil {
		store = NewMemoryStageStore()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		fac:     fac,
		escrow:  escrow,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.Named("settlement"),
		metrics: m,
	}
}

func (c *Coordinator) lock(id string) func() {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) Get(ctx context.Context, id string) (*Settlement, error) {
	return c.store.Get(ctx, id)
}

// Confirmed возвращает расчёт по подписи транзакции, только если он в стадии settled.
// Им шлюз проверяет заголовок X-TX-SIGNATURE.
func (c *Coordinator) Confirmed(ctx context.Context, txSignature string) (*Settlement, error) {
	if txSignature == "" {
		return nil, fmt.Errorf("%w: empty tx signature", ErrSettlementNotFound)
	}
	s, err := c.store.FindByTx(ctx, txSignature)
	if err != nil {
		return nil, err
	}
	if s.Stage != StageSettled {
		return nil, fmt.Errorf("%w: tx %s is %s", ErrNotSettled, txSignature, s.Stage)
	}
	return s, nil
}

// Redeem погашает подтверждённый расчёт: одна оплата открывает ресурс один раз.
func (c *Coordinator) Redeem(ctx context.Context, txSignature string) (*Settlement, error) {
	s, err := c.Confirmed(ctx, txSignature)
	if err != nil {
		return nil, err
	}
	defer c.lock(s.ID)()

	if s, err = c.store.Get(ctx, s.ID); err != nil {
		return nil, err
	}
	if s.RedeemedAt != nil {
		return s, fmt.Errorf("%w: tx %s at %s", ErrAlreadyRedeemed, txSignature, s.RedeemedAt.Format(time.RFC3339))
	}
	now := c.now()
	s.RedeemedAt = &now
	s.UpdatedAt = now
	if err := c.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("settlement: save %s: %w", s.ID, err)
	}
	c.logger.Info("settlement redeemed", zap.String("settlement_id", s.ID), zap.String("tx", txSignature))
	return s, nil
}

// CreateInvoice запрашивает у фасилитатора шаблон транзакции. Газ плательщика не нужен.
func (c *Coordinator) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Settlement, error) {
	now := c.now()
	s := &Settlement{
		ID:         uuid.NewString(),
		ResourceID: req.ResourceID,
		SessionID:  req.SessionID,
		Payer:      req.Payer,
		Currency:   c.cfg.Currency,
		Mode:       modeOrDefault(req.Mode),
		Stage:      StageIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tpl, err := c.fac.CreateTransaction(ctx, CreateTxRequest{AgentID: req.ResourceID, Payer: req.Payer})
	if err != nil {
		return s, c.fail(ctx, s, classify(err))
	}

	s.PaymentID = tpl.PaymentID
	s.Template = tpl.Transaction
	s.Recipient = tpl.Recipient
	s.Amount = tpl.Amount
	s.AmountDisplay = tpl.AmountDisplay
	if tpl.Currency != "" {
		s.Currency = tpl.Currency
	}
	if err := c.advance(ctx, s, StageInvoiceCreated); err != nil {
		return nil, err
	}
	return s, nil
}

// AttachSignature сохраняет подписанную плательщиком транзакцию.
func (c *Coordinator) AttachSignature(ctx context.Context, id, signedTx string) (*Settlement, error) {
	defer c.lock(id)()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if signedTx == "" {
		return s, fmt.Errorf("settlement: empty signed transaction")
	}
	s.SignedTx = signedTx
	if err := c.advance(ctx, s, StageSignatureObtained); err != nil {
		return s, err
	}
	return s, nil
}

// Submit отправляет подписанную транзакцию фасилитатору (или блокирует средства в эскроу)
// и ждёт подтверждения не дольше SubmitTimeout. Таймаут — это failed, не pending.
func (c *Coordinator) Submit(ctx context.Context, id string) (*Settlement, error) {
	defer c.lock(id)()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.advance(ctx, s, StageSubmitted); err != nil {
		return s, err
	}

	if s.Mode == ModeEscrow {
		return s, c.lockEscrow(ctx, s)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	res, err := c.fac.SubmitTransaction(sctx, SubmitTxRequest{SignedTransaction: s.SignedTx, PaymentID: s.PaymentID})
	if err != nil {
		return s, c.fail(ctx, s, classify(err))
	}

	s.TxSignature = res.TxSignature
	s.Slot = res.Slot
	s.ExplorerURL = res.ExplorerURL
	return s, c.advance(ctx, s, StageSettled)
}

// SettleIntent проводит подписанную офчейн заявку через все стадии разом:
// фасилитатор сам собирает транзакцию и платит комиссию сети.
func (c *Coordinator) SettleIntent(ctx context.Context, in IntentSettlement) (*Settlement, error) {
	now := c.now()
	s := &Settlement{
		ID:            uuid.NewString(),
		PaymentID:     in.PaymentID,
		ResourceID:    in.ResourceID,
		SessionID:     in.SessionID,
		Payer:         in.Payer,
		Recipient:     in.Recipient,
		Amount:        in.Amount,
		AmountDisplay: domain.DisplayAmount(in.Amount, c.cfg.Currency),
		Currency:      c.cfg.Currency,
		Mode:          modeOrDefault(in.Mode),
		Stage:         StageIdle,
		SignedTx:      in.Payment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	defer c.lock(s.ID)()

	for _, next := range []Stage{StageInvoiceCreated, StageSignatureObtained, StageSubmitted} {
		if err := c.advance(ctx, s, next); err != nil {
			return s, err
		}
	}

	if s.Mode == ModeEscrow {
		return s, c.lockEscrow(ctx, s)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	res, err := c.fac.Settle(sctx, SettleRequest{Payment: in.Payment})
	if err != nil {
		return s, c.fail(ctx, s, classify(err))
	}
	s.TxSignature = res.TxSignature
	s.Slot = res.Slot
	s.ExplorerURL = explorerURL(res.TxSignature, c.cfg.Network)
	return s, c.advance(ctx, s, StageSettled)
}

func (c *Coordinator) lockEscrow(ctx context.Context, s *Settlement) error {
	if c.escrow == nil {
		return c.fail(ctx, s, &SettlementError{Reason: ReasonEscrowLockFailed, Detail: "escrow ledger not configured"})
	}
	escrowID, err := c.escrow.LockFunds(ctx, s.SessionID, s.Payer, s.Recipient, s.Amount, s.Currency)
	if err != nil {
		return c.fail(ctx, s, &SettlementError{Reason: ReasonEscrowLockFailed, Detail: err.Error(), Cause: err})
	}
	s.EscrowID = escrowID
	s.TxSignature = "escrow_" + escrowID
	return c.advance(ctx, s, StageSettled)
}

func (c *Coordinator) advance(ctx context.Context, s *Settlement, next Stage) error {
	if !s.Stage.CanAdvance(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Stage, next)
	}
	s.Stage = next
	s.UpdatedAt = c.now()
	if err := c.store.Save(ctx, s); err != nil {
		return fmt.Errorf("settlement: save %s: %w", s.ID, err)
	}
	c.metrics.Settlements.WithLabelValues(string(next)).Inc()

	log := c.logger.With(
		zap.String("settlement_id", s.ID),
		zap.String("payment_id", s.PaymentID),
		zap.String("mode", string(s.Mode)),
	)
	switch next {
	case StageSettled:
		log.Info("settlement confirmed", zap.String("tx", s.TxSignature), zap.Uint64("slot", s.Slot))
	case StageFailed:
		log.Warn("settlement failed", zap.String("reason", s.FailureReason))
	default:
		log.Debug("settlement stage", zap.String("stage", string(next)))
	}
	return nil
}

// fail переводит расчёт в failed и возвращает исходную причину вызывающему.
func (c *Coordinator) fail(ctx context.Context, s *Settlement, cause *SettlementError) error {
	s.FailureReason = cause.Error()
	// Запись может не сохраниться (например, Save упал), вызывающему важнее причина отказа
	if err := c.advance(ctx, s, StageFailed); err != nil {
		c.logger.Error("failed to record settlement failure", zap.String("settlement_id", s.ID), zap.Error(err))
	}
	return cause
}

func modeOrDefault(m Mode) Mode {
	if m == "" {
		return ModeDirect
	}
	return m
}

func explorerURL(txSig, network string) string {
	if txSig == "" {
		return ""
	}
	return "https://explorer.solana.com/tx/" + txSig + "?cluster=" + network
}

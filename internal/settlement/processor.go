package settlement

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
	"github.com/xela07ax/x402-paygate/internal/signature"
)

var (
	ErrPaymentBelowMinimum  = errors.New("payment: amount below minimum")
	ErrPaymentAboveMaximum  = errors.New("payment: amount exceeds maximum")
	ErrPaymentRequestAbsent = errors.New("payment: payment request not found")
	ErrSignatureRequired    = errors.New("payment: transaction signature required for non-gasless payments")
	ErrIntentRequired       = errors.New("payment: signed payment intent required for gasless and escrow payments")
	ErrIntentMismatch       = errors.New("payment: payment intent does not cover the payment request")
)

type PaymentConfig struct {
	FacilitatorAddress string
	PlatformFeePercent decimal.Decimal
	Currency           string
	GaslessEnabled     bool
	EscrowEnabled      bool
	MinPayment         int64
	MaxPayment         int64
}

func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		PlatformFeePercent: decimal.NewFromInt(5),
		Currency:           "USDC",
		GaslessEnabled:     true,
		EscrowEnabled:      true,
		MinPayment:         1_000,
		MaxPayment:         100_000_000,
	}
}

func (c PaymentConfig) Validate() error {
	if c.FacilitatorAddress == "" {
		return errors.New("payment config: facilitator address is required")
	}
	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("payment config: platform fee percentage must be between 0 and 100")
	}
	if c.MinPayment < 0 {
		return errors.New("payment config: minimum payment cannot be negative")
	}
	if c.MaxPayment <= c.MinPayment {
		return errors.New("payment config: maximum payment must be greater than minimum payment")
	}
	return nil
}

// TxRecorder — журнал платёжных транзакций (реализуется escrow.TxLedger).
type TxRecorder interface {
	Record(ctx context.Context, tx *domain.PaymentTransaction) error
	UpdateStatus(ctx context.Context, id string, next domain.TxStatus, ledgerTxID, failureReason string) (*domain.PaymentTransaction, error)
}

type PaymentRequest struct {
	RequestID   string    `json:"requestId"`
	SessionID   string    `json:"sessionId"`
	DeviceID    string    `json:"deviceId"`
	UserID      string    `json:"userId"`
	Recipient   string    `json:"deviceOwner"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"timestamp"`
}

// ProcessParams — чем плательщик подтверждает оплату: подписанной заявкой (gasless)
// или подписанной транзакцией (обычный путь через шаблон фасилитатора).
type ProcessParams struct {
	Payer     string
	Intent    *domain.PaymentIntent
	Signature *signature.Signature
	SignedTx  string
}

// Processor выбирает путь расчёта: эскроу, gasless или обычная подписанная транзакция.
type Processor struct {
	cfg     PaymentConfig
	txs     TxRecorder
	escrow  EscrowLocker
	gasless *GaslessEngine
	coord   *Coordinator
	logger  *zap.Logger

	mu       sync.RWMutex
	requests map[string]PaymentRequest
	now      func() time.Time
}

func NewProcessor(cfg PaymentConfig, txs TxRecorder, escrow EscrowLocker, gasless *GaslessEngine, coord *Coordinator, logger *zap.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	return &Processor{
		cfg:      cfg,
		txs:      txs,
		escrow:   escrow,
		gasless:  gasless,
		coord:    coord,
		logger:   logger.Named("payments"),
		requests: make(map[string]PaymentRequest),
		now:      time.Now,
	}, nil
}

func (p *Processor) Config() PaymentConfig { return p.cfg }

func (p *Processor) CreatePaymentRequest(sessionID, deviceID, userID, recipient string, amount int64, currency, description string) (*PaymentRequest, error) {
	if amount < p.cfg.MinPayment {
		return nil, fmt.Errorf("%w: %d", ErrPaymentBelowMinimum, p.cfg.MinPayment)
	}
	if amount > p.cfg.MaxPayment {
		return nil, fmt.Errorf("%w: %d", ErrPaymentAboveMaximum, p.cfg.MaxPayment)
	}
	if currency == "" {
		currency = p.cfg.Currency
	}

	now := p.now()
	req := PaymentRequest{
		RequestID:   fmt.Sprintf("pay_req_%d_%s", now.UnixMilli(), shortID()),
		SessionID:   sessionID,
		DeviceID:    deviceID,
		UserID:      userID,
		Recipient:   recipient,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		CreatedAt:   now,
	}
	p.mu.Lock()
	p.requests[req.RequestID] = req
	p.mu.Unlock()
	return &req, nil
}

func (p *Processor) PaymentRequest(id string) (*PaymentRequest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.requests[id]
	return &r, ok
}

// ProcessPayment создаёт транзакцию (pending -> processing) и проводит её.
// При любой ошибке транзакция помечается failed, причина возвращается вызывающему.
func (p *Processor) ProcessPayment(ctx context.Context, requestID string, params ProcessParams) (*domain.PaymentTransaction, error) {
	req, ok := p.PaymentRequest(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentRequestAbsent, requestID)
	}
	if err := p.checkProof(req, &params); err != nil {
		p.logger.Warn("payment proof rejected",
			zap.String("request_id", requestID),
			zap.String("payer", params.Payer),
			zap.Error(err))
		return nil, err
	}

	split := domain.SplitFee(req.Amount, p.cfg.PlatformFeePercent)
	now := p.now()
	tx := &domain.PaymentTransaction{
		ID:               fmt.Sprintf("tx_%d_%s", now.UnixMilli(), shortID()),
		PaymentRequestID: req.RequestID,
		SessionID:        req.SessionID,
		DeviceID:         req.DeviceID,
		Payer:            params.Payer,
		Recipient:        req.Recipient,
		Amount:           req.Amount,
		PlatformFee:      split.PlatformFee,
		NetAmount:        split.NetAmount,
		Currency:         req.Currency,
		Status:           domain.TxPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.txs.Record(ctx, tx); err != nil {
		return nil, fmt.Errorf("payment: record transaction: %w", err)
	}
	if _, err := p.txs.UpdateStatus(ctx, tx.ID, domain.TxProcessing, "", ""); err != nil {
		return nil, fmt.Errorf("payment: start processing: %w", err)
	}

	ledgerTxID, err := p.settle(ctx, req, tx, params)
	if err != nil {
		if _, uerr := p.txs.UpdateStatus(ctx, tx.ID, domain.TxFailed, "", err.Error()); uerr != nil {
			p.logger.Error("failed to mark transaction failed", zap.String("tx_id", tx.ID), zap.Error(uerr))
		}
		p.logger.Warn("payment failed",
			zap.String("tx_id", tx.ID),
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return nil, err
	}

	done, err := p.txs.UpdateStatus(ctx, tx.ID, domain.TxCompleted, ledgerTxID, "")
	if err != nil {
		return nil, fmt.Errorf("payment: complete transaction: %w", err)
	}
	p.logger.Info("payment processed",
		zap.String("tx_id", done.ID),
		zap.String("session_id", req.SessionID),
		zap.Int64("amount", done.Amount),
		zap.Int64("platform_fee", done.PlatformFee))
	return done, nil
}

// checkProof: без подписи плательщика не проводится ни один путь. Эскроу заменяет
// перевод в леджер, но не авторизацию. Заявка должна покрывать сумму и получателя запроса.
func (p *Processor) checkProof(req *PaymentRequest, params *ProcessParams) error {
	if !p.cfg.EscrowEnabled && !p.cfg.GaslessEnabled {
		if strings.TrimSpace(params.SignedTx) == "" {
			return ErrSignatureRequired
		}
		return nil
	}

	in := params.Intent
	if in == nil || params.Signature == nil {
		return ErrIntentRequired
	}
	if !signature.VerifyFromPayer(*in, *params.Signature) {
		return ErrInvalidUserSig
	}
	switch {
	case params.Payer != "" && params.Payer != in.Payer:
		return fmt.Errorf("%w: signed by %s, not %s", ErrIntentMismatch, in.Payer, params.Payer)
	case in.Recipient != req.Recipient:
		return fmt.Errorf("%w: recipient %s, expected %s", ErrIntentMismatch, in.Recipient, req.Recipient)
	case in.Amount < req.Amount:
		return fmt.Errorf("%w: amount %d below %d", ErrIntentMismatch, in.Amount, req.Amount)
	}
	params.Payer = in.Payer
	return nil
}

func (p *Processor) settle(ctx context.Context, req *PaymentRequest, tx *domain.PaymentTransaction, params ProcessParams) (string, error) {
	if p.cfg.EscrowEnabled {
		escrowID, err := p.escrow.LockFunds(ctx, req.SessionID, tx.Payer, tx.Recipient, tx.Amount, tx.Currency)
		if err != nil {
			return "", &SettlementError{Reason: ReasonEscrowLockFailed, Detail: err.Error(), Cause: err}
		}
		// Подписанная заявка проверена, средства в эскроу: для плательщика платёж завершён
		return "escrow_" + escrowID, nil
	}

	if p.cfg.GaslessEnabled {
		res, err := p.gasless.Execute(ctx, GaslessRequest{
			Intent:      *params.Intent,
			Signature:   *params.Signature,
			Gasless:     true,
			Facilitator: p.cfg.FacilitatorAddress,
			SessionID:   req.SessionID,
		})
		if err != nil {
			return "", err
		}
		return res.Signature, nil
	}

	s, err := p.coord.CreateInvoice(ctx, InvoiceRequest{ResourceID: req.DeviceID, Payer: tx.Payer, SessionID: req.SessionID})
	if err != nil {
		return "", err
	}
	if _, err := p.coord.AttachSignature(ctx, s.ID, params.SignedTx); err != nil {
		return "", err
	}
	s, err = p.coord.Submit(ctx, s.ID)
	if err != nil {
		return "", err
	}
	return s.TxSignature, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

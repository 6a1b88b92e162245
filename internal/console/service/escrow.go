package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/escrow"
)

// EscrowService — ручные решения по эскроу (approve/release/refund) и выручка.
type EscrowService struct {
	ledger *escrow.Ledger
	txs    *escrow.TxLedger
	audit  audit.Auditor
	logger *zap.Logger
	now    func() time.Time
}

func NewEscrowService(ledger *escrow.Ledger, txs *escrow.TxLedger, a audit.Auditor, logger *zap.Logger) *EscrowService {
	if a == nil {
		a = audit.Nop{}
	}
	return &EscrowService{ledger: ledger, txs: txs, audit: a, logger: logger.Named("console-escrow"), now: time.Now}
}

func (s *EscrowService) List(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Account, error) {
	return s.ledger.List(ctx, status, limit)
}

func (s *EscrowService) Get(ctx context.Context, id string) (*escrow.Account, error) {
	return s.ledger.Get(ctx, id)
}

// Approve отмечает manual_approval. Выдачу делает Release или сборщик.
func (s *EscrowService) Approve(ctx context.Context, operator, id string) (*escrow.Account, error) {
	a, err := s.ledger.SatisfyCondition(ctx, id, escrow.ConditionManualApproval)
	s.record(operator, id, "approve", a, err)
	return a, err
}

func (s *EscrowService) Release(ctx context.Context, operator, id string) (*escrow.Account, error) {
	a, err := s.ledger.Release(ctx, id)
	s.record(operator, id, "release", a, err)
	return a, err
}

func (s *EscrowService) Refund(ctx context.Context, operator, id, reason string) (*escrow.Account, error) {
	if reason == "" {
		reason = "refunded by operator " + operator
	}
	a, err := s.ledger.Refund(ctx, id, reason)
	s.record(operator, id, "refund", a, err)
	return a, err
}

func (s *EscrowService) Analytics(ctx context.Context, period escrow.Period) (*escrow.RevenueAnalytics, error) {
	return s.txs.RevenueAnalytics(ctx, period, s.now())
}

func (s *EscrowService) record(operator, id, action string, a *escrow.Account, err error) {
	ev := audit.Event{
		Kind:     audit.KindEscrow,
		Actor:    operator,
		Resource: id,
		Action:   action,
		Status:   audit.StatusOK,
	}
	if a != nil {
		ev.Amount, ev.Currency = a.Amount, a.Currency
		ev.Payload = map[string]any{"status": string(a.Status), "sessionId": a.SessionID}
	}
	if err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
		s.logger.Warn("escrow action failed", zap.String("operator", operator), zap.String("escrow_id", id), zap.String("action", action), zap.Error(err))
	}
	s.audit.Log(ev)
}

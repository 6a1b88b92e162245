package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

var ErrTxNotFound = errors.New("transaction not found")

type Filter struct {
	SessionID string
	DeviceID  string
	Payer     string
	Recipient string
	Status    domain.TxStatus
	Currency  string
	From      time.Time
	To        time.Time
}

func (f Filter) Match(tx *domain.PaymentTransaction) bool {
	switch {
	case f.SessionID != "" && tx.SessionID != f.SessionID:
		return false
	case f.DeviceID != "" && tx.DeviceID != f.DeviceID:
		return false
	case f.Payer != "" && tx.Payer != f.Payer:
		return false
	case f.Recipient != "" && tx.Recipient != f.Recipient:
		return false
	case f.Status != "" && tx.Status != f.Status:
		return false
	case f.Currency != "" && tx.Currency != f.Currency:
		return false
	case !f.From.IsZero() && tx.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && tx.CreatedAt.After(f.To):
		return false
	}
	return true
}

type TxStore interface {
	Insert(ctx context.Context, tx *domain.PaymentTransaction) error
	Get(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	// UpdateIfStatus — CAS по статусу, как у эскроу-счетов.
	UpdateIfStatus(ctx context.Context, tx *domain.PaymentTransaction, expected domain.TxStatus) error
	List(ctx context.Context, f Filter) ([]*domain.PaymentTransaction, error)
}

type MemoryTxStore struct {
	mu  sync.RWMutex
	txs map[string]domain.PaymentTransaction
}

func NewMemoryTxStore() *MemoryTxStore {
	return &MemoryTxStore{txs: make(map[string]domain.PaymentTransaction)}
}

func (m *MemoryTxStore) Insert(_ context.Context, tx *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	m.txs[tx.ID] = *tx
	return nil
}

func (m *MemoryTxStore) Get(_ context.Context, id string) (*domain.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, id)
	}
	return &tx, nil
}

func (m *MemoryTxStore) UpdateIfStatus(_ context.Context, tx *domain.PaymentTransaction, expected domain.TxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txs[tx.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTxNotFound, tx.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTxTransition, tx.ID, cur.Status)
	}
	m.txs[tx.ID] = *tx
	return nil
}

func (m *MemoryTxStore) List(_ context.Context, f Filter) ([]*domain.PaymentTransaction, error) {
	m.mu.RLock()
	out := make([]*domain.PaymentTransaction, 0)
	for _, tx := range m.txs {
		if f.Match(&tx) {
			c := tx
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()
	// новые сверху
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

func (p Period) Duration() time.Duration {
	switch p {
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	case PeriodYear:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type RevenueAnalytics struct {
	Period                  Period    `json:"period"`
	PeriodStart             time.Time `json:"periodStart"`
	PeriodEnd               time.Time `json:"periodEnd"`
	TransactionCount        int       `json:"totalTransactions"`
	TotalRevenue            int64     `json:"totalRevenue"`
	PlatformRevenue         int64     `json:"platformRevenue"`
	DeviceOwnerRevenue      int64     `json:"deviceOwnerRevenue"`
	AverageTransactionValue int64     `json:"averageTransactionAmount"`
	Currency                string    `json:"currency"`
}

type SessionSummary struct {
	SessionID        string                       `json:"sessionId"`
	TotalAmount      int64                        `json:"totalAmount"`
	PlatformFee      int64                        `json:"platformFees"`
	NetAmount        int64                        `json:"netAmount"`
	Currency         string                       `json:"currency"`
	TransactionCount int                          `json:"transactionCount"`
	Status           string                       `json:"status"`
	Transactions     []*domain.PaymentTransaction `json:"transactions"`
}

type RevenueShare struct {
	DeviceOwnerShare int64  `json:"deviceOwner"`
	PlatformFee      int64  `json:"platform"`
	Total            int64  `json:"total"`
	Currency         string `json:"currency"`
}

// TxLedger — журнал платёжных транзакций. Статус движется только вперёд.
type TxLedger struct {
	store      TxStore
	feePercent decimal.Decimal
	currency   string
	now        func() time.Time
	logger     *zap.Logger
}

func NewTxLedger(store TxStore, feePercent decimal.Decimal, currency string, logger *zap.Logger) *TxLedger {
	if currency == "" {
		currency = "USDC"
	}
	return &TxLedger{store: store, feePercent: feePercent, currency: currency, now: time.Now, logger: logger.Named("txledger")}
}

func (t *TxLedger) Record(ctx context.Context, tx *domain.PaymentTransaction) error {
	if tx.Status == "" {
		tx.Status = domain.TxPending
	}
	if err := t.store.Insert(ctx, tx); err != nil {
		return fmt.Errorf("txledger: insert %s: %w", tx.ID, err)
	}
	return nil
}

func (t *TxLedger) Get(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	return t.store.Get(ctx, id)
}

// UpdateStatus — монотонный переход. ledgerTxID и failureReason пишутся, если не пустые.
func (t *TxLedger) UpdateStatus(ctx context.Context, id string, next domain.TxStatus, ledgerTxID, failureReason string) (*domain.PaymentTransaction, error) {
	tx, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.CanTransitionTo(next); err != nil {
		return nil, fmt.Errorf("txledger: %s %s -> %s: %w", id, tx.Status, next, err)
	}

	prev := tx.Status
	now := t.now()
	tx.Status = next
	tx.UpdatedAt = now
	if ledgerTxID != "" {
		tx.LedgerTxID = &ledgerTxID
	}
	if failureReason != "" {
		tx.FailureReason = failureReason
	}
	if next == domain.TxCompleted {
		tx.CompletedAt = &now
	}
	if err := t.store.UpdateIfStatus(ctx, tx, prev); err != nil {
		return nil, fmt.Errorf("txledger: update %s: %w", id, err)
	}

	t.logger.Debug("transaction status",
		zap.String("tx_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	return tx, nil
}

func (t *TxLedger) History(ctx context.Context, f Filter) ([]*domain.PaymentTransaction, error) {
	return t.store.List(ctx, f)
}

// RevenueAnalytics — только чтение завершённых транзакций за период.
func (t *TxLedger) RevenueAnalytics(ctx context.Context, period Period, now time.Time) (*RevenueAnalytics, error) {
	start := now.Add(-period.Duration())
	txs, err := t.store.List(ctx, Filter{Status: domain.TxCompleted, From: start, To: now})
	if err != nil {
		return nil, fmt.Errorf("txledger: analytics: %w", err)
	}

	out := &RevenueAnalytics{Period: period, PeriodStart: start, PeriodEnd: now, Currency: t.currency}
	for _, tx := range txs {
		out.TransactionCount++
		out.TotalRevenue += tx.Amount
		out.PlatformRevenue += tx.PlatformFee
		out.DeviceOwnerRevenue += tx.NetAmount
	}
	if out.TransactionCount > 0 {
		out.AverageTransactionValue = out.TotalRevenue / int64(out.TransactionCount)
	}
	return out, nil
}

func (t *TxLedger) SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	txs, err := t.store.List(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("txledger: session summary: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no payments for session %s", ErrTxNotFound, sessionID)
	}

	s := &SessionSummary{SessionID: sessionID, Currency: txs[0].Currency, Transactions: txs}
	pending := false
	for _, tx := range txs {
		s.TransactionCount++
		switch tx.Status {
		case domain.TxCompleted:
			s.TotalAmount += tx.Amount
			s.PlatformFee += tx.PlatformFee
			s.NetAmount += tx.NetAmount
		case domain.TxPending, domain.TxProcessing:
			pending = true
		}
	}
	s.Status = "settled"
	if pending {
		s.Status = "pending"
	}
	return s, nil
}

func (t *TxLedger) RevenueShare(amount int64) RevenueShare {
	split := domain.SplitFee(amount, t.feePercent)
	return RevenueShare{
		DeviceOwnerShare: split.NetAmount,
		PlatformFee:      split.PlatformFee,
		Total:            amount,
		Currency:         t.currency,
	}
}

package settlement

import (
	"context"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

// Price — тариф ресурса для демо-леджера.
type Price struct {
	Amount    int64
	Recipient string
	Name      string
}

// MockLedger имитирует фасилитатора и леджер: задержку сети, слоты, отказы.
// Используется в демо-режиме и в тестах.
type MockLedger struct {
	mu       sync.Mutex
	prices   map[string]Price
	settled  map[string]SubmitTxResponse // paymentId -> результат
	balance  int64
	slot     atomic.Uint64
	failNext atomic.Bool

	MinLatency time.Duration
	MaxLatency time.Duration
}

func NewMockLedger(prices map[string]Price, balance int64) *MockLedger {
	m := &MockLedger{
		prices:     prices,
		settled:    make(map[string]SubmitTxResponse),
		balance:    balance,
		MinLatency: 50 * time.Millisecond,
		MaxLatency: 300 * time.Millisecond,
	}
	m.slot.Store(250_000_000)
	return m
}

// FailNext заставляет следующий submit/settle завершиться отказом леджера.
func (m *MockLedger) FailNext() { m.failNext.Store(true) }

func (m *MockLedger) SetBalance(v int64) {
	m.mu.Lock()
	m.balance = v
	m.mu.Unlock()
}

func (m *MockLedger) wait(ctx context.Context) error {
	latency := m.MinLatency
	if spread := m.MaxLatency - m.MinLatency; spread > 0 {
		// В v2 используется rand.Int64N (с большой N)
		latency += time.Duration(rand.Int64N(int64(spread)))
	}
	if latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockLedger) CreateTransaction(ctx context.Context, req CreateTxRequest) (*CreateTxResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if req.AgentID == "" || req.Payer == "" {
		return nil, &LedgerRejection{Status: 400, Message: "Missing agentId or payer"}
	}
	price, ok := m.prices[req.AgentID]
	if !ok {
		return nil, &LedgerRejection{Status: 404, Message: "Agent not found"}
	}

	blob := fmt.Sprintf("transfer:%s:%s:%d", req.Payer, price.Recipient, price.Amount)
	return &CreateTxResponse{
		Transaction:   base58.Encode([]byte(blob)),
		PaymentID:     fmt.Sprintf("pay_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:6]),
		AgentID:       req.AgentID,
		Amount:        price.Amount,
		AmountDisplay: domain.DisplayAmount(price.Amount, "USDC"),
		Currency:      "USDC",
		Recipient:     price.Recipient,
	}, nil
}

func (m *MockLedger) SubmitTransaction(ctx context.Context, req SubmitTxRequest) (*SubmitTxResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.failNext.CompareAndSwap(true, false) {
		return nil, &LedgerRejection{Status: 400, Message: "Transaction simulation failed"}
	}
	if strings.TrimSpace(req.SignedTransaction) == "" {
		return nil, &LedgerRejection{Status: 400, Message: "Missing signedTransaction"}
	}
	return m.commit(req.PaymentID), nil
}

func (m *MockLedger) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.failNext.CompareAndSwap(true, false) {
		return nil, &LedgerRejection{Status: 400, Message: "Settlement rejected by ledger"}
	}
	if req.Payment == "" {
		return nil, &LedgerRejection{Status: 400, Message: "Missing payment"}
	}
	res := m.commit(req.Payment)
	return &SettleResponse{Success: true, Mode: "demo", TxSignature: res.TxSignature, Slot: res.Slot}, nil
}

// commit идемпотентен по ключу: повторная отправка того же платежа вернёт ту же подпись.
func (m *MockLedger) commit(key string) *SubmitTxResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.settled[key]; ok {
		return &prev
	}
	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = byte(rand.IntN(256))
	}
	txSig := base58.Encode(sig)
	res := SubmitTxResponse{
		TxSignature: txSig,
		Slot:        m.slot.Add(1),
		ExplorerURL: "https://explorer.solana.com/tx/" + txSig + "?cluster=devnet",
	}
	m.settled[key] = res
	return &res
}

func (m *MockLedger) FacilitatorBalance(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, ctx.Err()
}

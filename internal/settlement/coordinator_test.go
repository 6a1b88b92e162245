package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRecipient = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"

func testPrices() map[string]Price {
	return map[string]Price{
		"pdf-summarizer-v1": {Amount: 50_000, Recipient: testRecipient, Name: "PDF Summarizer"},
		"ugv-rover-01":      {Amount: 100_000, Recipient: testRecipient, Name: "UGV Rover"},
	}
}

func newFastLedger() *MockLedger {
	l := NewMockLedger(testPrices(), 50_000_000)
	l.MinLatency, l.MaxLatency = 0, 0
	return l
}

// stubFacilitator считает вызовы и отвечает заданной ошибкой.
type stubFacilitator struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *stubFacilitator) wait(ctx context.Context) error {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func (s *stubFacilitator) CreateTransaction(ctx context.Context, req CreateTxRequest) (*CreateTxResponse, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &CreateTxResponse{Transaction: "tpl", PaymentID: "pay_1_abcdef", AgentID: req.AgentID, Amount: 50_000, AmountDisplay: "0.05 USDC", Currency: "USDC", Recipient: testRecipient}, nil
}

func (s *stubFacilitator) SubmitTransaction(ctx context.Context, _ SubmitTxRequest) (*SubmitTxResponse, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &SubmitTxResponse{TxSignature: "sig", Slot: 1}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, _ SettleRequest) (*SettleResponse, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &SettleResponse{Success: true, TxSignature: "sig", Slot: 1}, nil
}

type fakeLocker struct {
	err       error
	sessionID string
	amount    int64
}

func (f *fakeLocker) LockFunds(_ context.Context, sessionID, _, _ string, amount int64, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sessionID, f.amount = sessionID, amount
	return "esc-1", nil
}

func TestStage_CanAdvance(t *testing.T) {
	assert.True(t, StageIdle.CanAdvance(StageInvoiceCreated))
	assert.True(t, StageSubmitted.CanAdvance(StageSettled))
	assert.True(t, StageSignatureObtained.CanAdvance(StageFailed))
	assert.False(t, StageIdle.CanAdvance(StageSubmitted))
	assert.False(t, StageSettled.CanAdvance(StageFailed))
	assert.False(t, StageFailed.CanAdvance(StageInvoiceCreated))
	assert.True(t, StageSettled.Final())
}

func TestCoordinator_DirectLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	assert.Equal(t, StageInvoiceCreated, s.Stage)
	assert.Equal(t, "0.05 USDC", s.AmountDisplay)
	assert.NotEmpty(t, s.Template)
	assert.Regexp(t, `^pay_\d+_\w{6}$`, s.PaymentID)

	s, err = c.AttachSignature(ctx, s.ID, "signed-blob")
	require.NoError(t, err)
	assert.Equal(t, StageSignatureObtained, s.Stage)

	s, err = c.Submit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSettled, s.Stage)
	assert.NotEmpty(t, s.TxSignature)
	assert.NotZero(t, s.Slot)
	assert.Contains(t, s.ExplorerURL, s.TxSignature)

	stored, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSettled, stored.Stage)
}

func TestCoordinator_SubmitBeforeSignatureIsIllegal(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)

	_, err = c.Submit(ctx, s.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCoordinator_UnknownAgentFailsInvoice(t *testing.T) {
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(context.Background(), InvoiceRequest{ResourceID: "nope", Payer: testRecipient})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, StageFailed, s.Stage)
	assert.Contains(t, s.FailureReason, "Agent not found")
}

func TestCoordinator_LedgerRejectionFails(t *testing.T) {
	ctx := context.Background()
	ledger := newFastLedger()
	c := NewCoordinator(ledger, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	_, err = c.AttachSignature(ctx, s.ID, "signed")
	require.NoError(t, err)

	ledger.FailNext()
	s, err = c.Submit(ctx, s.ID)
	require.Error(t, err)

	var se *SettlementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReasonLedgerRejected, se.Reason)
	assert.Equal(t, StageFailed, s.Stage)
	assert.NotEmpty(t, s.FailureReason)

	// повторная отправка того же расчёта невозможна
	_, err = c.Submit(ctx, s.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCoordinator_TimeoutIsFailedNotPending(t *testing.T) {
	ctx := context.Background()
	fac := &stubFacilitator{}
	c := NewCoordinator(fac, nil, nil, CoordinatorConfig{SubmitTimeout: 20 * time.Millisecond}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	_, err = c.AttachSignature(ctx, s.ID, "signed")
	require.NoError(t, err)

	fac.delay = time.Second
	s, err = c.Submit(ctx, s.ID)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StageFailed, s.Stage)
}

func TestCoordinator_NeverRetries(t *testing.T) {
	ctx := context.Background()
	fac := &stubFacilitator{}
	c := NewCoordinator(fac, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	_, err = c.AttachSignature(ctx, s.ID, "signed")
	require.NoError(t, err)

	fac.err = errors.New("connection refused")
	_, err = c.Submit(ctx, s.ID)
	assert.ErrorIs(t, err, ErrFacilitatorUnreachable)
	assert.Equal(t, int32(2), fac.calls.Load(), "create + one submit")
}

func TestCoordinator_EscrowMode(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	c := NewCoordinator(newFastLedger(), locker, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.SettleIntent(ctx, IntentSettlement{
		PaymentID: "pay_1_abcdef", SessionID: "sess-1", Payer: testRecipient,
		Recipient: testRecipient, Amount: 50_000, Payment: "hdr", Mode: ModeEscrow,
	})
	require.NoError(t, err)
	assert.Equal(t, StageSettled, s.Stage)
	assert.Equal(t, "esc-1", s.EscrowID)
	assert.Equal(t, "escrow_esc-1", s.TxSignature)
	assert.Equal(t, "sess-1", locker.sessionID)
	assert.Equal(t, int64(50_000), locker.amount)
}

func TestCoordinator_EscrowLockFailure(t *testing.T) {
	c := NewCoordinator(newFastLedger(), &fakeLocker{err: errors.New("store down")}, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.SettleIntent(context.Background(), IntentSettlement{PaymentID: "p", Payer: testRecipient, Amount: 1, Payment: "hdr", Mode: ModeEscrow})
	var se *SettlementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReasonEscrowLockFailed, se.Reason)
	assert.Equal(t, StageFailed, s.Stage)
}

func TestCoordinator_SettleIntentDirect(t *testing.T) {
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{Network: "devnet"}, zap.NewNop(), nil)

	s, err := c.SettleIntent(context.Background(), IntentSettlement{PaymentID: "pay_1_abcdef", Payer: testRecipient, Recipient: testRecipient, Amount: 50_000, Payment: "hdr"})
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, s.Mode)
	assert.Equal(t, StageSettled, s.Stage)
	assert.Contains(t, s.ExplorerURL, "cluster=devnet")
}

func TestMockLedger_IdempotentCommit(t *testing.T) {
	ctx := context.Background()
	l := newFastLedger()

	a, err := l.SubmitTransaction(ctx, SubmitTxRequest{SignedTransaction: "x", PaymentID: "pay_1"})
	require.NoError(t, err)
	b, err := l.SubmitTransaction(ctx, SubmitTxRequest{SignedTransaction: "x", PaymentID: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, a.TxSignature, b.TxSignature)

	_, err = l.SubmitTransaction(ctx, SubmitTxRequest{PaymentID: "pay_2"})
	var lr *LedgerRejection
	assert.True(t, errors.As(err, &lr))
}

func TestCoordinator_ConfirmedOnlyWhenSettled(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.SettleIntent(ctx, IntentSettlement{PaymentID: "pay_1_abcdef", Payer: testRecipient, Recipient: testRecipient, Amount: 50_000, Payment: "hdr"})
	require.NoError(t, err)

	got, err := c.Confirmed(ctx, s.TxSignature)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = c.Confirmed(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSettlementNotFound)
	_, err = c.Confirmed(ctx, "")
	assert.ErrorIs(t, err, ErrSettlementNotFound)

	store := NewMemoryStageStore()
	require.NoError(t, store.Save(ctx, &Settlement{ID: "s-2", Stage: StageSubmitted, TxSignature: "pending-sig"}))
	c2 := NewCoordinator(newFastLedger(), nil, store, CoordinatorConfig{}, zap.NewNop(), nil)
	_, err = c2.Confirmed(ctx, "pending-sig")
	assert.ErrorIs(t, err, ErrNotSettled)
}

func TestCoordinator_RedeemOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	_, err = c.AttachSignature(ctx, s.ID, "signed-blob")
	require.NoError(t, err)

	_, err = c.Redeem(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSettlementNotFound)

	s, err = c.Submit(ctx, s.ID)
	require.NoError(t, err)

	redeemed, err := c.Redeem(ctx, s.TxSignature)
	require.NoError(t, err)
	require.NotNil(t, redeemed.RedeemedAt)

	_, err = c.Redeem(ctx, s.TxSignature)
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)

	// погашение не отменяет подтверждение
	confirmed, err := c.Confirmed(ctx, s.TxSignature)
	require.NoError(t, err)
	assert.NotNil(t, confirmed.RedeemedAt)
}

func TestCoordinator_ConcurrentRedeemOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newFastLedger(), nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	s, err := c.CreateInvoice(ctx, InvoiceRequest{ResourceID: "pdf-summarizer-v1", Payer: testRecipient})
	require.NoError(t, err)
	_, err = c.AttachSignature(ctx, s.ID, "signed-blob")
	require.NoError(t, err)
	s, err = c.Submit(ctx, s.ID)
	require.NoError(t, err)

	var ok atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := c.Redeem(ctx, s.TxSignature); err == nil {
				ok.Add(1)
			}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	assert.Equal(t, int32(1), ok.Load())
}

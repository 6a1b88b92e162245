package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

type memTxs struct {
	mu  sync.Mutex
	txs map[string]domain.PaymentTransaction
	log []domain.TxStatus
}

func newMemTxs() *memTxs { return &memTxs{txs: make(map[string]domain.PaymentTransaction)} }

func (m *memTxs) Record(_ context.Context, tx *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = *tx
	m.log = append(m.log, tx.Status)
	return nil
}

func (m *memTxs) UpdateStatus(_ context.Context, id string, next domain.TxStatus, ledgerTxID, reason string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	if err := tx.CanTransitionTo(next); err != nil {
		return nil, err
	}
	tx.Status = next
	if ledgerTxID != "" {
		tx.LedgerTxID = &ledgerTxID
	}
	tx.FailureReason = reason
	m.txs[id] = tx
	m.log = append(m.log, next)
	return &tx, nil
}

type paymentFixture struct {
	payer     *signature.Keypair
	recipient *signature.Keypair
	ledger    *MockLedger
	txs       *memTxs
	locker    *fakeLocker
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	payer, err := signature.GenerateKeypair()
	require.NoError(t, err)
	recipient, err := signature.GenerateKeypair()
	require.NoError(t, err)
	return &paymentFixture{payer: payer, recipient: recipient, ledger: newFastLedger(), txs: newMemTxs(), locker: &fakeLocker{}}
}

func (f *paymentFixture) processor(t *testing.T, mutate func(*PaymentConfig)) *Processor {
	t.Helper()
	cfg := DefaultPaymentConfig()
	cfg.FacilitatorAddress = f.recipient.Address()
	if mutate != nil {
		mutate(&cfg)
	}
	coord := NewCoordinator(f.ledger, f.locker, nil, CoordinatorConfig{}, zap.NewNop(), nil)
	engine := NewGaslessEngine(GaslessConfig{Enabled: true}, coord, f.ledger, zap.NewNop())
	p, err := NewProcessor(cfg, f.txs, f.locker, engine, coord, zap.NewNop())
	require.NoError(t, err)
	return p
}

func (f *paymentFixture) signedIntent(amount int64) (*domain.PaymentIntent, *signature.Signature) {
	in := domain.PaymentIntent{
		PaymentID:  "pay_1700000000000_abcdef",
		Payer:      f.payer.Address(),
		Recipient:  f.recipient.Address(),
		Amount:     amount,
		TokenMint:  "USDC",
		ResourceID: "ugv-rover-01",
		ExpiresAt:  time.Now().Add(5 * time.Minute).Unix(),
		Nonce:      time.Now().UnixMilli(),
	}
	sig := signature.Sign(in, f.payer)
	return &in, &sig
}

func TestPaymentConfig_Validate(t *testing.T) {
	cfg := DefaultPaymentConfig()
	assert.Error(t, cfg.Validate(), "facilitator required")

	cfg.FacilitatorAddress = "fac"
	assert.NoError(t, cfg.Validate())

	cfg.PlatformFeePercent = decimal.NewFromInt(101)
	assert.Error(t, cfg.Validate())

	cfg = DefaultPaymentConfig()
	cfg.FacilitatorAddress = "fac"
	cfg.MaxPayment = cfg.MinPayment
	assert.Error(t, cfg.Validate())
}

func TestProcessor_PaymentBounds(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.processor(t, nil)

	_, err := p.CreatePaymentRequest("s", "d", "u", f.recipient.Address(), 10, "", "too small")
	assert.ErrorIs(t, err, ErrPaymentBelowMinimum)

	_, err = p.CreatePaymentRequest("s", "d", "u", f.recipient.Address(), 200_000_000, "", "too big")
	assert.ErrorIs(t, err, ErrPaymentAboveMaximum)

	req, err := p.CreatePaymentRequest("s", "d", "u", f.recipient.Address(), 100_000, "", "ok")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.RequestID, "pay_req_"))
	assert.Equal(t, "USDC", req.Currency)
}

func TestProcessor_EscrowPath(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.processor(t, nil)
	ctx := context.Background()

	req, err := p.CreatePaymentRequest("sess-1", "ugv-rover-01", "user", f.recipient.Address(), 100_000, "", "rover minute")
	require.NoError(t, err)

	// без подписанной заявки эскроу не блокируется и транзакция не создаётся
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address()})
	assert.ErrorIs(t, err, ErrIntentRequired)
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address(), SignedTx: "signed"})
	assert.ErrorIs(t, err, ErrIntentRequired)
	assert.Empty(t, f.locker.sessionID)
	assert.Empty(t, f.txs.log)

	in, sig := f.signedIntent(100_000)
	tx, err := p.ProcessPayment(ctx, req.RequestID, ProcessParams{Intent: in, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, tx.Status)
	assert.Equal(t, f.payer.Address(), tx.Payer)
	require.NotNil(t, tx.LedgerTxID)
	assert.Equal(t, "escrow_esc-1", *tx.LedgerTxID)
	assert.Equal(t, int64(5_000), tx.PlatformFee)
	assert.Equal(t, int64(95_000), tx.NetAmount)
	assert.Equal(t, "sess-1", f.locker.sessionID)
	assert.Equal(t, []domain.TxStatus{domain.TxPending, domain.TxProcessing, domain.TxCompleted}, f.txs.log)
}

func TestProcessor_IntentMustCoverRequest(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.processor(t, nil)
	ctx := context.Background()

	req, err := p.CreatePaymentRequest("sess-5", "ugv-rover-01", "user", f.recipient.Address(), 100_000, "", "")
	require.NoError(t, err)

	short, shortSig := f.signedIntent(1)
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Intent: short, Signature: shortSig})
	assert.ErrorIs(t, err, ErrIntentMismatch)

	other, err := signature.GenerateKeypair()
	require.NoError(t, err)
	elsewhere, _ := f.signedIntent(100_000)
	elsewhere.Recipient = other.Address()
	elsewhereSig := signature.Sign(*elsewhere, f.payer)
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Intent: elsewhere, Signature: &elsewhereSig})
	assert.ErrorIs(t, err, ErrIntentMismatch)

	in, sig := f.signedIntent(100_000)
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: "someone-else", Intent: in, Signature: sig})
	assert.ErrorIs(t, err, ErrIntentMismatch)

	forged := signature.Sign(*in, f.recipient)
	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Intent: in, Signature: &forged})
	assert.ErrorIs(t, err, ErrInvalidUserSig)

	assert.Empty(t, f.locker.sessionID, "эскроу не блокируется ни в одном случае")
	assert.Empty(t, f.txs.log)
}

func TestProcessor_GaslessPath(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.processor(t, func(c *PaymentConfig) { c.EscrowEnabled = false })
	ctx := context.Background()

	req, err := p.CreatePaymentRequest("sess-2", "ugv-rover-01", "user", f.recipient.Address(), 100_000, "", "")
	require.NoError(t, err)

	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address()})
	assert.ErrorIs(t, err, ErrIntentRequired)

	in, sig := f.signedIntent(100_000)
	tx, err := p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address(), Intent: in, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, tx.Status)
	require.NotNil(t, tx.LedgerTxID)
	assert.NotEmpty(t, *tx.LedgerTxID)
}

func TestProcessor_FailureMarksTransactionFailed(t *testing.T) {
	f := newPaymentFixture(t)
	f.locker.err = errors.New("escrow store unavailable")
	p := f.processor(t, nil)

	req, err := p.CreatePaymentRequest("sess-3", "d", "u", f.recipient.Address(), 100_000, "", "")
	require.NoError(t, err)

	in, sig := f.signedIntent(100_000)
	_, err = p.ProcessPayment(context.Background(), req.RequestID, ProcessParams{Payer: f.payer.Address(), Intent: in, Signature: sig})
	var se *SettlementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReasonEscrowLockFailed, se.Reason)
	assert.Equal(t, domain.TxFailed, f.txs.log[len(f.txs.log)-1])
}

func TestProcessor_SignedTransactionPath(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.processor(t, func(c *PaymentConfig) {
		c.EscrowEnabled = false
		c.GaslessEnabled = false
	})
	ctx := context.Background()

	req, err := p.CreatePaymentRequest("sess-4", "ugv-rover-01", "u", f.recipient.Address(), 100_000, "", "")
	require.NoError(t, err)

	_, err = p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address()})
	assert.ErrorIs(t, err, ErrSignatureRequired)

	tx, err := p.ProcessPayment(ctx, req.RequestID, ProcessParams{Payer: f.payer.Address(), SignedTx: "signed"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, tx.Status)
}

func TestProcessor_UnknownRequest(t *testing.T) {
	f := newPaymentFixture(t)
	_, err := f.processor(t, nil).ProcessPayment(context.Background(), "missing", ProcessParams{})
	assert.ErrorIs(t, err, ErrPaymentRequestAbsent)
}

package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGasless_ValidationOrder(t *testing.T) {
	f := newPaymentFixture(t)
	in, sig := f.signedIntent(50_000)
	coord := NewCoordinator(f.ledger, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)

	disabled := NewGaslessEngine(GaslessConfig{Enabled: false}, coord, f.ledger, zap.NewNop())
	assert.ErrorIs(t, disabled.Validate(GaslessRequest{Intent: *in}), ErrNotGasless)
	assert.ErrorIs(t, disabled.Validate(GaslessRequest{Intent: *in, Gasless: true}), ErrFacilitatorRequired)
	assert.ErrorIs(t, disabled.Validate(GaslessRequest{Intent: *in, Gasless: true, Facilitator: "fac"}), ErrGaslessDisabled)

	engine := NewGaslessEngine(GaslessConfig{Enabled: true, MaxSponsorship: 10_000}, coord, f.ledger, zap.NewNop())
	_, err := engine.Execute(context.Background(), GaslessRequest{Intent: *in, Signature: *sig, Gasless: true, Facilitator: "fac"})
	assert.ErrorIs(t, err, ErrSponsorshipExceeded)
}

func TestGasless_Execute(t *testing.T) {
	f := newPaymentFixture(t)
	in, sig := f.signedIntent(50_000)
	coord := NewCoordinator(f.ledger, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil)
	engine := NewGaslessEngine(GaslessConfig{Enabled: true}, coord, f.ledger, zap.NewNop())
	ctx := context.Background()

	res, err := engine.Execute(ctx, GaslessRequest{Intent: *in, Signature: *sig, Gasless: true, Facilitator: "fac"})
	require.NoError(t, err)
	assert.True(t, res.GasPaidByFacilitator)
	assert.Zero(t, res.UserGasCost)
	assert.Equal(t, StageSettled, res.Status)
	assert.NotEmpty(t, res.Signature)

	s, err := coord.Get(ctx, res.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, in.PaymentID, s.PaymentID)
}

func TestGasless_RejectsTamperedIntent(t *testing.T) {
	f := newPaymentFixture(t)
	in, sig := f.signedIntent(50_000)
	in.Amount = 40_000
	engine := NewGaslessEngine(GaslessConfig{Enabled: true}, NewCoordinator(f.ledger, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil), f.ledger, zap.NewNop())

	_, err := engine.Execute(context.Background(), GaslessRequest{Intent: *in, Signature: *sig, Gasless: true, Facilitator: "fac"})
	assert.ErrorIs(t, err, ErrInvalidUserSig)
}

func TestGasless_InsufficientFacilitatorBalance(t *testing.T) {
	f := newPaymentFixture(t)
	f.ledger.SetBalance(1_000)
	in, sig := f.signedIntent(50_000)
	engine := NewGaslessEngine(GaslessConfig{Enabled: true}, NewCoordinator(f.ledger, nil, nil, CoordinatorConfig{}, zap.NewNop(), nil), f.ledger, zap.NewNop())

	_, err := engine.Execute(context.Background(), GaslessRequest{Intent: *in, Signature: *sig, Gasless: true, Facilitator: "fac"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

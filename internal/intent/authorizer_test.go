package intent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/signature"
)

type fixture struct {
	auth      *Authorizer
	payer     *signature.Keypair
	recipient *signature.Keypair
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payer, err := signature.GenerateKeypair()
	require.NoError(t, err)
	recipient, err := signature.GenerateKeypair()
	require.NoError(t, err)

	f := &fixture{payer: payer, recipient: recipient, now: time.Unix(1_700_000_000, 0)}
	f.auth = NewAuthorizer(Config{TokenMint: "USDC"}, NewMemoryNonceStore(), zap.NewNop(), nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) params(amount int64) CreateParams {
	return CreateParams{
		Payer:      f.payer.Address(),
		Recipient:  f.recipient.Address(),
		Amount:     amount,
		ResourceID: "pdf-summarizer-v1",
		TTL:        300 * time.Second,
	}
}

func TestCreateIntent_AmountBounds(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int64{0, -1, DefaultMaxAmount + 1} {
		_, err := f.auth.CreateIntent(f.params(amount))
		assert.ErrorIs(t, err, ErrAmountOutOfRange, "amount %d", amount)
	}

	in, err := f.auth.CreateIntent(f.params(DefaultMaxAmount))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAmount, in.Amount)
	assert.Equal(t, "USDC", in.TokenMint)
	assert.Regexp(t, `^pay_\d+_[0-9a-f]{6}$`, in.PaymentID)
}

func TestCreateIntent_TTLClamp(t *testing.T) {
	f := newFixture(t)
	cases := map[time.Duration]int64{
		0:                 300,
		10 * time.Second:  250,
		400 * time.Second: 400,
		time.Hour:         600,
	}
	for ttl, wantSec := range cases {
		p := f.params(50_000)
		p.TTL = ttl
		in, err := f.auth.CreateIntent(p)
		require.NoError(t, err)
		assert.Equal(t, f.now.Unix()+wantSec, in.ExpiresAt, "ttl %s", ttl)
	}
}

func TestCreateIntent_MalformedParty(t *testing.T) {
	f := newFixture(t)
	p := f.params(50_000)
	p.Recipient = "not a key"
	_, err := f.auth.CreateIntent(p)
	assert.ErrorIs(t, err, ErrMalformedParty)
}

func TestCreateIntent_NoncesUniqueInTightLoop(t *testing.T) {
	f := newFixture(t) // часы заморожены: уникальность обеспечивает только NonceSource
	seen := make(map[int64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		in, err := f.auth.CreateIntent(f.params(1))
		require.NoError(t, err)
		seen[in.Nonce] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestAuthorize_HappyPathThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in, err := f.auth.CreateIntent(f.params(50_000))
	require.NoError(t, err)
	sig := signature.Sign(in, f.payer)

	res, err := f.auth.Authorize(ctx, in, sig)
	require.NoError(t, err)
	assert.Equal(t, in, res.Intent)
	assert.Equal(t, Fingerprint(in), res.Fingerprint)

	_, err = f.auth.Authorize(ctx, in, sig)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestAuthorize_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in, err := f.auth.CreateIntent(f.params(50_000))
	require.NoError(t, err)
	sig := signature.Sign(in, f.payer)

	t.Run("tampered amount", func(t *testing.T) {
		tampered := in
		tampered.Amount = 60_000
		_, err := f.auth.Authorize(ctx, tampered, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("signed by someone else", func(t *testing.T) {
		_, err := f.auth.Authorize(ctx, in, signature.Sign(in, f.recipient))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		saved := f.now
		f.now = time.Unix(in.ExpiresAt, 0)
		defer func() { f.now = saved }()
		_, err := f.auth.Authorize(ctx, in, sig)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("over ceiling", func(t *testing.T) {
		big := in
		big.Amount = DefaultMaxAmount + 1
		_, err := f.auth.Authorize(ctx, big, signature.Sign(big, f.payer))
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("rejections do not burn the nonce", func(t *testing.T) {
		_, err := f.auth.Authorize(ctx, in, sig)
		assert.NoError(t, err)
	})
}

func TestAuthorize_ExpiryBeyondReplayWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in, err := f.auth.CreateIntent(f.params(50_000))
	require.NoError(t, err)
	in.ExpiresAt = f.now.Add(24 * time.Hour).Unix() // плательщик сам подписывает срок
	sig := signature.Sign(in, f.payer)

	_, err = f.auth.Authorize(ctx, in, sig)
	assert.ErrorIs(t, err, ErrExpiryTooFar)

	// После окна повторов та же заявка всё равно не проходит
	f.now = f.now.Add(12 * time.Minute)
	_, err = f.auth.Authorize(ctx, in, sig)
	assert.ErrorIs(t, err, ErrExpiryTooFar)
}

func TestAuthorize_ReplayRejectedUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.params(50_000)
	p.TTL = MaxTTL
	in, err := f.auth.CreateIntent(p)
	require.NoError(t, err)
	sig := signature.Sign(in, f.payer)

	_, err = f.auth.Authorize(ctx, in, sig)
	require.NoError(t, err)

	for _, step := range []time.Duration{time.Minute, 5 * time.Minute, MaxTTL - time.Second} {
		f.now = time.Unix(in.ExpiresAt, 0).Add(-MaxTTL).Add(step)
		_, err = f.auth.Authorize(ctx, in, sig)
		assert.ErrorIs(t, err, ErrReplayDetected, "step %s", step)
	}

	f.now = time.Unix(in.ExpiresAt, 0)
	_, err = f.auth.Authorize(ctx, in, sig)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAuthorize_PaymentIDCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.auth.CreateIntent(f.params(10))
	require.NoError(t, err)
	b, err := f.auth.CreateIntent(f.params(20))
	require.NoError(t, err)
	b.PaymentID = a.PaymentID

	_, err = f.auth.Authorize(ctx, a, signature.Sign(a, f.payer))
	require.NoError(t, err)

	_, err = f.auth.Authorize(ctx, b, signature.Sign(b, f.payer))
	assert.ErrorIs(t, err, ErrPaymentIDCollision)
}

func TestAuthorize_ConcurrentReplayOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	in, err := f.auth.CreateIntent(f.params(50_000))
	require.NoError(t, err)
	sig := signature.Sign(in, f.payer)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.auth.Authorize(context.Background(), in, sig); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestMemoryNonceStore_PerPayerIsolationAndExpiry(t *testing.T) {
	store := NewMemoryNonceStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	fresh, err := store.Consume(ctx, "alice", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, _ = store.Consume(ctx, "alice", 1, time.Minute)
	assert.False(t, fresh)

	fresh, _ = store.Consume(ctx, "bob", 1, time.Minute)
	assert.True(t, fresh, "другой плательщик с тем же nonce не затронут")

	now = now.Add(2 * time.Minute)
	fresh, _ = store.Consume(ctx, "alice", 1, time.Minute)
	assert.True(t, fresh, "после окна повторов запись вычищается")
}

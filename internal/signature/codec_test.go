package signature

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

func fixedKeypair(t *testing.T) *Keypair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	kp, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func sampleIntent(payer string) domain.PaymentIntent {
	return domain.PaymentIntent{
		PaymentID:  "pay_1700000000000_abc123",
		Payer:      payer,
		Recipient:  "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH",
		Amount:     50000,
		TokenMint:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		ResourceID: "pdf-summarizer-v1",
		ExpiresAt:  1700000300,
		Nonce:      1700000000000,
	}
}

func TestCanonicalMessage_FieldOrder(t *testing.T) {
	in := sampleIntent("payer")
	msg := string(CanonicalMessage(in))

	want := strings.Join([]string{
		"SynapsePay Payment Intent",
		"PaymentID: pay_1700000000000_abc123",
		"Payer: payer",
		"Recipient: HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH",
		"Amount: 50000",
		"Token: 4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		"Agent: pdf-summarizer-v1",
		"Expires: 1700000300",
		"Nonce: 1700000000000",
	}, "\n")
	assert.Equal(t, want, msg)
}

func TestSign_Deterministic(t *testing.T) {
	kp := fixedKeypair(t)
	in := sampleIntent(kp.Address())

	a := Sign(in, kp)
	b := Sign(in, kp)
	assert.Equal(t, a.Bytes, b.Bytes)
	assert.Len(t, a.Bytes, 64)

	in.Nonce++
	c := Sign(in, kp)
	assert.NotEqual(t, a.Bytes, c.Bytes)
}

func TestVerify_RejectsEachFieldMutation(t *testing.T) {
	kp := fixedKeypair(t)
	in := sampleIntent(kp.Address())
	sig := Sign(in, kp)
	require.True(t, Verify(in, sig, kp.Public))
	require.True(t, VerifyFromPayer(in, sig))

	mutations := map[string]func(p *domain.PaymentIntent){
		"payment_id": func(p *domain.PaymentIntent) { p.PaymentID += "x" },
		"payer":      func(p *domain.PaymentIntent) { p.Payer = "other" },
		"recipient":  func(p *domain.PaymentIntent) { p.Recipient = "other" },
		"amount":     func(p *domain.PaymentIntent) { p.Amount++ },
		"token":      func(p *domain.PaymentIntent) { p.TokenMint = "SOL" },
		"resource":   func(p *domain.PaymentIntent) { p.ResourceID = "image-editor-v1" },
		"expires":    func(p *domain.PaymentIntent) { p.ExpiresAt++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := in
			mutate(&tampered)
			assert.False(t, Verify(tampered, sig, kp.Public))
		})
	}

	t.Run("nonce", func(t *testing.T) {
		tampered := in
		tampered.Nonce++
		forged := sig
		forged.Nonce = tampered.Nonce
		assert.False(t, Verify(tampered, forged, kp.Public))
		assert.False(t, Verify(tampered, sig, kp.Public))
	})
}

func TestVerify_WrongKeyAndGarbage(t *testing.T) {
	kp := fixedKeypair(t)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	in := sampleIntent(kp.Address())
	sig := Sign(in, kp)

	assert.False(t, Verify(in, sig, other.Public))
	assert.False(t, Verify(in, Signature{Bytes: []byte{1, 2, 3}, Nonce: in.Nonce}, kp.Public))
	assert.False(t, Verify(in, sig, nil))

	in.Payer = "not-base58-0OIl"
	assert.False(t, VerifyFromPayer(in, sig))
}

func TestSignature_JSONRoundTrip(t *testing.T) {
	kp := fixedKeypair(t)
	sig := Sign(sampleIntent(kp.Address()), kp)

	raw, err := sig.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"nonce":1700000000000`)

	var back Signature
	require.NoError(t, back.UnmarshalJSON(raw))
	assert.Equal(t, sig, back)

	assert.ErrorIs(t, back.UnmarshalJSON([]byte(`{"signature":"abc","nonce":1}`)), ErrInvalidSignatureEncoding)
}

func TestKeypairFromSecret(t *testing.T) {
	kp := fixedKeypair(t)

	restored, err := KeypairFromSecret(kp.Secret())
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), restored.Address())

	_, err = KeypairFromSecret("1111")
	assert.ErrorIs(t, err, ErrInvalidSecretKey)

	assert.True(t, IsValidAddress(kp.Address()))
	assert.False(t, IsValidAddress(""))
	assert.False(t, IsValidAddress("abc"))
}

func TestSignVerify_Properties(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(id, resource string, amount, expires, nonce int64) domain.PaymentIntent {
		return domain.PaymentIntent{
			PaymentID:  id,
			Payer:      kp.Address(),
			Recipient:  "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH",
			Amount:     amount,
			TokenMint:  "USDC",
			ResourceID: resource,
			ExpiresAt:  expires,
			Nonce:      nonce,
		}
	}

	properties.Property("verify(sign(intent)) holds", prop.ForAll(
		func(id, resource string, amount, expires, nonce int64) bool {
			in := build(id, resource, amount, expires, nonce)
			return Verify(in, Sign(in, kp), kp.Public)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1<<40),
		gen.Int64Range(1, 1<<50),
	))

	properties.Property("amount mutation breaks signature", prop.ForAll(
		func(id string, amount, delta int64) bool {
			in := build(id, "agent", amount, 1700000300, 1)
			sig := Sign(in, kp)
			in.Amount += delta
			return !Verify(in, sig, kp.Public)
		},
		gen.AlphaString(),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}

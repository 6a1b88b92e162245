package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/metrics"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

const (
	DefaultTTL = 300 * time.Second
	MinTTL     = 250 * time.Second
	MaxTTL     = 600 * time.Second

	// DefaultMaxAmount — потолок спонсирования фасилитатором (1 USDC).
	DefaultMaxAmount int64 = 1_000_000
)

type Config struct {
	MaxAmount  int64
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// ReplayWindow — сколько хранится использованный nonce. Должно быть не меньше MaxTTL.
	ReplayWindow time.Duration
	TokenMint    string
}

func (c Config) withDefaults() Config {
	if c.MaxAmount <= 0 {
		c.MaxAmount = DefaultMaxAmount
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MinTTL <= 0 {
		c.MinTTL = MinTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = MaxTTL
	}
	if c.ReplayWindow < c.MaxTTL {
		c.ReplayWindow = c.MaxTTL + time.Minute
	}
	return c
}

type CreateParams struct {
	Payer      string
	Recipient  string
	Amount     int64
	TokenMint  string
	ResourceID string
	TTL        time.Duration
}

// Result — успешная авторизация. Частичных результатов не бывает.
type Result struct {
	Intent       domain.PaymentIntent
	Fingerprint  string
	AuthorizedAt time.Time
}

type Authorizer struct {
	cfg     Config
	nonces  NonceStore
	source  *NonceSource
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAuthorizer(cfg Config, store NonceStore, logger *zap.Logger, m *metrics.Metrics) *Authorizer {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Authorizer{
		cfg:     cfg.withDefaults(),
		nonces:  store,
		source:  NewNonceSource(time.Now),
		now:     time.Now,
		logger:  logger.Named("authorizer"),
		metrics: m,
	}
}

// WithClock подменяет источник времени (тесты, симуляции).
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	a.source = NewNonceSource(now)
	return a
}

func (a *Authorizer) MaxAmount() int64 { return a.cfg.MaxAmount }

// CreateIntent собирает новую заявку. Подписывает её плательщик на своей стороне.
func (a *Authorizer) CreateIntent(p CreateParams) (domain.PaymentIntent, error) {
	if p.Amount <= 0 || p.Amount > a.cfg.MaxAmount {
		return domain.PaymentIntent{}, reject(ReasonAmountOutOfRange, "amount %d not in (0, %d]", p.Amount, a.cfg.MaxAmount)
	}
	if !signature.IsValidAddress(p.Payer) || !signature.IsValidAddress(p.Recipient) {
		return domain.PaymentIntent{}, reject(ReasonMalformedParty, "payer and recipient must be base58 public keys")
	}

	ttl := a.clampTTL(p.TTL)
	mint := p.TokenMint
	if mint == "" {
		mint = a.cfg.TokenMint
	}

	now := a.now()
	nonce := a.source.Next()
	return domain.PaymentIntent{
		PaymentID:  NewPaymentID(now),
		Payer:      p.Payer,
		Recipient:  p.Recipient,
		Amount:     p.Amount,
		TokenMint:  mint,
		ResourceID: p.ResourceID,
		ExpiresAt:  now.Add(ttl).Unix(),
		Nonce:      nonce,
	}, nil
}

func (a *Authorizer) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return a.cfg.DefaultTTL
	case ttl < a.cfg.MinTTL:
		return a.cfg.MinTTL
	case ttl > a.cfg.MaxTTL:
		return a.cfg.MaxTTL
	}
	return ttl
}

// Authorize проверяет подпись, срок, сумму, стороны и одноразовость nonce.
// Nonce фиксируется только когда все остальные проверки пройдены,
// так что отклонённая заявка не сжигает nonce.
func (a *Authorizer) Authorize(ctx context.Context, in domain.PaymentIntent, sig signature.Signature) (*Result, error) {
	res, err := a.authorize(ctx, in, sig)
	if err != nil {
		a.metrics.Authorizations.WithLabelValues(resultLabel(err)).Inc()
		a.logger.Warn("payment intent rejected",
			zap.String("payment_id", in.PaymentID),
			zap.String("payer", in.Payer),
			zap.Error(err))
		return nil, err
	}
	a.metrics.Authorizations.WithLabelValues("accepted").Inc()
	a.logger.Info("payment intent authorized",
		zap.String("payment_id", in.PaymentID),
		zap.String("payer", in.Payer),
		zap.Int64("amount", in.Amount))
	return res, nil
}

func (a *Authorizer) authorize(ctx context.Context, in domain.PaymentIntent, sig signature.Signature) (*Result, error) {
	// 1. Подпись (чистая функция, без состояния)
	if !signature.VerifyFromPayer(in, sig) {
		return nil, reject(ReasonInvalidSignature, "signature does not match payer key")
	}

	// 2. Свежесть
	now := a.now()
	if in.Expired(now.Unix()) {
		return nil, reject(ReasonExpired, "expired at %d", in.ExpiresAt)
	}
	// Использованный nonce живёт ReplayWindow, поэтому срок заявки не может быть дальше MaxTTL
	if horizon := now.Add(a.cfg.MaxTTL).Unix(); in.ExpiresAt > horizon {
		return nil, reject(ReasonExpiryTooFar, "expires at %d, latest allowed %d", in.ExpiresAt, horizon)
	}

	if in.Amount <= 0 || in.Amount > a.cfg.MaxAmount {
		return nil, reject(ReasonAmountOutOfRange, "amount %d not in (0, %d]", in.Amount, a.cfg.MaxAmount)
	}
	if !signature.IsValidAddress(in.Payer) || !signature.IsValidAddress(in.Recipient) {
		return nil, reject(ReasonMalformedParty, "payer and recipient must be base58 public keys")
	}

	// 3. Одноразовость nonce (атомарно в хранилище)
	fresh, err := a.nonces.Consume(ctx, in.Payer, in.Nonce, a.cfg.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("intent: nonce store: %w", err)
	}
	if !fresh {
		return nil, reject(ReasonReplayDetected, "nonce %d already used by payer", in.Nonce)
	}

	fp := Fingerprint(in)
	held, err := a.nonces.ClaimPaymentID(ctx, in.PaymentID, fp, a.cfg.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("intent: payment id store: %w", err)
	}
	if held != fp {
		a.logger.Error("payment id collision",
			zap.String("payment_id", in.PaymentID),
			zap.String("held", held),
			zap.String("incoming", fp))
		return nil, fmt.Errorf("%w: %s", ErrPaymentIDCollision, in.PaymentID)
	}

	return &Result{Intent: in, Fingerprint: fp, AuthorizedAt: now}, nil
}

// Fingerprint однозначно определяет заявку в пределах плательщика.
func Fingerprint(in domain.PaymentIntent) string {
	return fmt.Sprintf("%s:%d", in.Payer, in.Nonce)
}

// NewPaymentID формат pay_<ms>_<rand6>.
func NewPaymentID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("pay_%d_%s", now.UnixMilli(), suffix)
}

func resultLabel(err error) string {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return string(ae.Reason)
	}
	return "error"
}

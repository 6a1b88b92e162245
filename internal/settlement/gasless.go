package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

var (
	ErrNotGasless          = errors.New("gasless: payload is not marked as gasless")
	ErrFacilitatorRequired = errors.New("gasless: facilitator address is required")
	ErrGaslessDisabled     = errors.New("gasless: gasless transactions are disabled")
	ErrSponsorshipExceeded = errors.New("gasless: amount exceeds maximum gas sponsorship limit")
	ErrInvalidUserSig      = errors.New("gasless: invalid user signature")
)

type GaslessConfig struct {
	Enabled bool
	// MaxSponsorship — максимальная сумма, под которую фасилитатор готов платить газ.
	MaxSponsorship int64
	// MinFacilitatorBalance — ниже этого остатка спонсировать нечем (0.01 SOL в лэмпортах).
	MinFacilitatorBalance int64
	Network               string
}

type GaslessRequest struct {
	Intent      domain.PaymentIntent
	Signature   signature.Signature
	Gasless     bool
	Facilitator string
	SessionID   string
	Mode        Mode
}

type GaslessResult struct {
	SettlementID         string `json:"settlementId"`
	Signature            string `json:"signature"`
	Slot                 uint64 `json:"slot"`
	ExplorerURL          string `json:"explorerUrl,omitempty"`
	GasPaidByFacilitator bool   `json:"gasPaidByFacilitator"`
	UserGasCost          int64  `json:"userGasCost"`
	Status               Stage  `json:"status"`
}

// GaslessEngine: плательщик подписывает только намерение, газ платит фасилитатор.
type GaslessEngine struct {
	cfg     GaslessConfig
	coord   *Coordinator
	balance BalanceChecker
	logger  *zap.Logger
}

func NewGaslessEngine(cfg GaslessConfig, coord *Coordinator, balance BalanceChecker, logger *zap.Logger) *GaslessEngine {
	if cfg.MaxSponsorship <= 0 {
		cfg.MaxSponsorship = 1_000_000
	}
	if cfg.MinFacilitatorBalance <= 0 {
		cfg.MinFacilitatorBalance = 10_000_000
	}
	if cfg.Network == "" {
		cfg.Network = "devnet"
	}
	return &GaslessEngine{cfg: cfg, coord: coord, balance: balance, logger: logger.Named("gasless")}
}

func (g *GaslessEngine) Enabled() bool { return g.cfg.Enabled }

func (g *GaslessEngine) Validate(req GaslessRequest) error {
	if !req.Gasless {
		return ErrNotGasless
	}
	if req.Facilitator == "" {
		return ErrFacilitatorRequired
	}
	if !g.cfg.Enabled {
		return ErrGaslessDisabled
	}
	if req.Intent.Amount > g.cfg.MaxSponsorship {
		return fmt.Errorf("%w: amount %d, limit %d", ErrSponsorshipExceeded, req.Intent.Amount, g.cfg.MaxSponsorship)
	}
	return nil
}

// Execute: валидация, подпись плательщика, остаток фасилитатора, затем расчёт.
func (g *GaslessEngine) Execute(ctx context.Context, req GaslessRequest) (*GaslessResult, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}
	if !signature.VerifyFromPayer(req.Intent, req.Signature) {
		return nil, ErrInvalidUserSig
	}
	if err := g.checkBalance(ctx); err != nil {
		return nil, err
	}

	payment, err := intent.EncodeHeader(intent.NewHeader(g.cfg.Network, req.Intent, &req.Signature, nil))
	if err != nil {
		return nil, fmt.Errorf("gasless: encode payment: %w", err)
	}

	s, err := g.coord.SettleIntent(ctx, IntentSettlement{
		PaymentID:  req.Intent.PaymentID,
		ResourceID: req.Intent.ResourceID,
		SessionID:  req.SessionID,
		Payer:      req.Intent.Payer,
		Recipient:  req.Intent.Recipient,
		Amount:     req.Intent.Amount,
		Payment:    payment,
		Mode:       req.Mode,
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("gasless payment executed",
		zap.String("payment_id", s.PaymentID),
		zap.String("tx", s.TxSignature),
		zap.String("facilitator", req.Facilitator))

	return &GaslessResult{
		SettlementID:         s.ID,
		Signature:            s.TxSignature,
		Slot:                 s.Slot,
		ExplorerURL:          s.ExplorerURL,
		GasPaidByFacilitator: true,
		UserGasCost:          0,
		Status:               s.Stage,
	}, nil
}

func (g *GaslessEngine) checkBalance(ctx context.Context) error {
	if g.balance == nil {
		return nil
	}
	bal, err := g.balance.FacilitatorBalance(ctx)
	if err != nil {
		return classify(err)
	}
	if bal < g.cfg.MinFacilitatorBalance {
		return &SettlementError{
			Reason: ReasonInsufficientBalance,
			Detail: fmt.Sprintf("balance %d, minimum %d", bal, g.cfg.MinFacilitatorBalance),
		}
	}
	return nil
}

package escrow

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/infra"
)

// Sweeper периодически выдаёт счета с истёкшим таймаутом.
// При нескольких инстансах проход делает тот, кто взял SetNX-блокировку.
type Sweeper struct {
	ledger   *Ledger
	rdb      *redis.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper: rdb может быть nil (один инстанс, без распределённой блокировки).
func NewSweeper(ledger *Ledger, rdb *redis.Client, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{ledger: ledger, rdb: rdb, interval: interval, logger: logger.Named("escrow-sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escrow sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escrow sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.rdb != nil {
		// Блокировка живёт чуть меньше интервала, чтобы следующий тик мог взять её снова
		ok, err := s.rdb.SetNX(ctx, infra.RedisKeyLockEscrowSweeper, "sweeping", s.interval*9/10).Result()
		if err != nil {
			s.logger.Warn("sweeper lock unavailable, skipping tick", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}

	n, err := s.ledger.ReleaseDue(ctx, s.ledger.now())
	if err != nil {
		s.logger.Error("escrow sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("escrows auto-released", zap.Int("count", n))
	}
}

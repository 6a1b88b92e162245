package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/x402-paygate/internal/metrics"
)

type ReliabilityConfig struct {
	Name           string
	RatePerSecond  float64
	Burst          int
	Attempts       uint
	AttemptTimeout time.Duration
	CBMaxRequests  uint32
	CBInterval     time.Duration
	CBTimeout      time.Duration
	CBMaxFailures  uint32
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.Name == "" {
		c.Name = "facilitator"
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBMaxFailures == 0 {
		c.CBMaxFailures = 5
	}
	return c
}

// ReliabilityWrapper защищает вызовы фасилитатора: лимитер, предохранитель, ретраи.
// Ретраятся только транспортные сбои; отказ леджера (LedgerRejection) возвращается сразу.
type ReliabilityWrapper struct {
	next    Facilitator
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(next Facilitator, cfg ReliabilityConfig, m *metrics.Metrics) *ReliabilityWrapper {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	gauge := m.CircuitBreakerState.WithLabelValues(cfg.Name)

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.CBMaxFailures
		},
		// Бизнес-отказ леджера не говорит о том, что фасилитатор лежит
		IsSuccessful: func(err error) bool {
			var lr *LedgerRejection
			return err == nil || errors.As(err, &lr)
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				gauge.Set(1)
			} else {
				gauge.Set(0)
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

func (w *ReliabilityWrapper) CreateTransaction(ctx context.Context, req CreateTxRequest) (*CreateTxResponse, error) {
	return protect(ctx, w, func(ctx context.Context) (*CreateTxResponse, error) {
		return w.next.CreateTransaction(ctx, req)
	})
}

func (w *ReliabilityWrapper) SubmitTransaction(ctx context.Context, req SubmitTxRequest) (*SubmitTxResponse, error) {
	return protect(ctx, w, func(ctx context.Context) (*SubmitTxResponse, error) {
		return w.next.SubmitTransaction(ctx, req)
	})
}

func (w *ReliabilityWrapper) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	return protect(ctx, w, func(ctx context.Context) (*SettleResponse, error) {
		return w.next.Settle(ctx, req)
	})
}

func protect[T any](ctx context.Context, w *ReliabilityWrapper, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var final T

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var lr *LedgerRejection
				return !errors.As(err, &lr)
			}),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если фасилитатор вернул ThrottleError (считал Retry-After заголовок)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
			defer cancel()

			var callErr error
			final, callErr = call(tCtx)
			return callErr
		})

		return nil, retryErr
	})
	if err != nil {
		return zero, err
	}
	return final, nil
}

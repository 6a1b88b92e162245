// Package audit — асинхронный журнал платёжных, эскроу, device и abuse событий.
//
// Log не блокирует горячий путь: событие кладётся в буферизованный канал,
// воркер пишет пачками по таймеру или по заполнению пачки.
// При переполнении буфера событие сбрасывается в zap (load shedding).
// Stop закрывает вход и дожидается финального flush.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/metrics"
)

// Storage — куда физически сохраняются события.
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Config struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

type Journal struct {
	cfg     Config
	ch      chan Event
	repo    Storage
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	// mu защищает закрытие канала от конкурентного Log
	mu     sync.RWMutex
	closed bool
}

func NewJournal(repo Storage, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Journal {
	if m == nil {
		m = metrics.New(nil)
	}
	cfg = cfg.withDefaults()
	return &Journal{
		cfg:     cfg,
		ch:      make(chan Event, cfg.BufferSize),
		repo:    repo,
		logger:  logger.With(zap.String("mod", "audit")),
		metrics: m,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждёт, пока воркер допишет остаток буфера.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping audit journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.metrics.AuditBufferFill.Set(0)
	j.logger.Info("audit journal stopped gracefully")
}

func (j *Journal) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("audit event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case j.ch <- event:
		j.metrics.AuditBufferFill.Set(float64(len(j.ch)) / float64(cap(j.ch)))
	default:
		// Backpressure: событие уходит в обычный лог, чтобы не пропасть совсем
		j.logger.Error("audit_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("actor", event.Actor),
			zap.String("resource", event.Resource),
			zap.String("action", event.Action),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст сервиса на остановке уже отменён
		ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
		j.metrics.AuditBufferFill.Set(float64(len(j.ch)) / float64(cap(j.ch)))
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// канал закрыт в Stop: всё прочитано, финальный сброс
				flush()
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Nop — журнал для тестов и запуска без БД.
type Nop struct{}

func (Nop) Log(Event) {}

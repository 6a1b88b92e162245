package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/repository/postgres"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	Stats(ctx context.Context, since time.Time) (*postgres.AuditStats, error)
	Recent(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error)
}

type AuditService struct {
	repo AuditLogProvider
	now  func() time.Time
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo, now: time.Now}
}

// Stats — сводка журнала за окно window до текущего момента.
func (s *AuditService) Stats(ctx context.Context, window time.Duration) (*postgres.AuditStats, error) {
	if window <= 0 {
		window = time.Hour
	}
	st, err := s.repo.Stats(ctx, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch stats: %w", err)
	}
	return st, nil
}

func (s *AuditService) Recent(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	logs, err := s.repo.Recent(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

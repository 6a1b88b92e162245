package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
)

// GuardService — ручное управление AbuseGuard: blacklist и аварийная пауза.
// Каждое действие оператора попадает в журнал аудита.
type GuardService struct {
	blacklist *abuse.Blacklist
	pause     *abuse.PauseController
	guard     *abuse.Guard
	audit     audit.Auditor
	logger    *zap.Logger
}

func NewGuardService(bl *abuse.Blacklist, pause *abuse.PauseController, guard *abuse.Guard, a audit.Auditor, logger *zap.Logger) *GuardService {
	if a == nil {
		a = audit.Nop{}
	}
	return &GuardService{blacklist: bl, pause: pause, guard: guard, audit: a, logger: logger.Named("console-guard")}
}

func (s *GuardService) Blacklisted() []string {
	ids := s.blacklist.List()
	sort.Strings(ids)
	return ids
}

// Block вызывает единый метод Blacklist, который гарантирует и БД, и Redis
func (s *GuardService) Block(ctx context.Context, operator, identity, reason string) error {
	err := s.blacklist.Add(ctx, identity, reason)
	s.record(operator, audit.KindAbuse, identity, "blacklist_add", err, map[string]any{"reason": reason})
	return err
}

func (s *GuardService) Unblock(ctx context.Context, operator, identity string) error {
	err := s.blacklist.Remove(ctx, identity)
	s.record(operator, audit.KindAbuse, identity, "blacklist_remove", err, nil)
	return err
}

// ActivatePause: инициатор всегда оператор из токена, а не из тела запроса.
func (s *GuardService) ActivatePause(ctx context.Context, operator string, req abuse.ActivateRequest) (abuse.PauseRecord, error) {
	req.AuthorizedBy = operator
	rec, err := s.pause.Activate(ctx, req)
	s.record(operator, audit.KindPause, rec.ID, "pause_activate", err, map[string]any{"trigger": req.Trigger})
	return rec, err
}

func (s *GuardService) DeactivatePause(ctx context.Context, operator string) (abuse.PauseRecord, error) {
	rec, err := s.pause.Deactivate(ctx, operator)
	s.record(operator, audit.KindPause, rec.ID, "pause_deactivate", err, nil)
	return rec, err
}

func (s *GuardService) PauseHistory(ctx context.Context) []abuse.PauseRecord {
	return s.pause.History(ctx)
}

func (s *GuardService) Status(ctx context.Context) abuse.SystemStatus {
	return s.guard.SystemStatus(ctx)
}

func (s *GuardService) record(operator string, kind audit.Kind, resource, action string, err error, payload map[string]any) {
	ev := audit.Event{
		Kind:     kind,
		Actor:    operator,
		Resource: resource,
		Action:   action,
		Status:   audit.StatusOK,
		Payload:  payload,
	}
	if err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
		s.logger.Warn("operator action failed", zap.String("operator", operator), zap.String("action", action), zap.Error(err))
	}
	s.audit.Log(ev)
}

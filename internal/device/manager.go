// Package device ведёт оплаченные управляющие сессии: допускает команды,
// проверяет лимиты безопасности, считает метрики и стоимость, выполняет аварийную остановку.
package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/metrics"
)

// Gate — проверка AbuseGuard перед каждой командой.
type Gate interface {
	Check(ctx context.Context, identity string, class abuse.Class) abuse.Decision
}

// EscrowFinalizer закрывает эскроу сессии до того, как сессия получит финальный статус.
type EscrowFinalizer interface {
	FinalizeSession(ctx context.Context, sessionID string) ([]*escrow.Account, error)
}

type TokenIssuer interface {
	IssueSession(sessionID, deviceID, userID string, expiresAt time.Time) (string, error)
}

type ManagerConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	ControlBaseURL  string        `mapstructure:"control_base_url"`
	WebsocketURL    string        `mapstructure:"websocket_url"`
	Safety          SafetyLimits  `mapstructure:"safety"`
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 10 * time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	c.Safety = c.Safety.merge(DefaultSafetyLimits())
	return c
}

type InitRequest struct {
	// SessionID выделяется заранее, когда под сессию уже заблокирован эскроу.
	// Пустой — сгенерировать новый.
	SessionID       string
	PaymentVerified bool
	PaymentID       string
	Amount          int64
	DeviceID        string
	UserID          string
	Duration        time.Duration
	Safety          *SafetyLimits
}

type SessionHandle struct {
	Session         *Session `json:"session"`
	ControlEndpoint string   `json:"controlEndpoint"`
	WebsocketURL    string   `json:"websocketUrl,omitempty"`
	SessionToken    string   `json:"sessionToken"`
}

type sessionEntry struct {
	mu sync.Mutex // одна команда на сессию за раз
	s  *Session
}

type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	adapter  Adapter
	gate     Gate
	escrow   EscrowFinalizer
	tokens   TokenIssuer
	bus      *Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	seq      atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewManager: gate, escrow и tokens могут быть nil.
func NewManager(cfg ManagerConfig, registry *Registry, adapter Adapter, gate Gate, fin EscrowFinalizer, tokens TokenIssuer, bus *Bus, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	if bus == nil {
		bus = NewBus(0)
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		adapter:  adapter,
		gate:     gate,
		escrow:   fin,
		tokens:   tokens,
		bus:      bus,
		metrics:  m,
		logger:   logger.Named("device"),
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Bus() *Bus { return m.bus }

func (m *Manager) InitializeSession(ctx context.Context, req InitRequest) (*SessionHandle, error) {
	if !req.PaymentVerified {
		return nil, ErrPaymentNotVerified
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidCommand)
	}

	dur := req.Duration
	if dur <= 0 {
		dur = m.cfg.DefaultDuration
	}
	dur = min(dur, m.cfg.MaxDuration)

	id := req.SessionID
	if id == "" {
		id = NewSessionID(req.DeviceID, m.now())
	}
	m.mu.RLock()
	_, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	info, err := m.registry.Acquire(req.DeviceID)
	if err != nil {
		m.logger.Warn("device unavailable", zap.String("device_id", req.DeviceID), zap.Error(err))
		return nil, err
	}

	limits := m.cfg.Safety
	if req.Safety != nil {
		limits = req.Safety.merge(m.cfg.Safety)
	}

	now := m.now()
	s := &Session{
		ID:        id,
		DeviceID:  req.DeviceID,
		UserID:    req.UserID,
		PaymentID: req.PaymentID,
		Prepaid:   req.Amount,
		StartTime: now,
		Duration:  dur,
		Status:    SessionActive,
		TotalCost: decimal.Zero,
		Safety:    limits,
		Metrics:   SessionMetrics{SuccessRate: 100},
	}

	h := &SessionHandle{ControlEndpoint: m.controlEndpoint(info)}
	if m.cfg.WebsocketURL != "" {
		h.WebsocketURL = fmt.Sprintf("%s/devices/%s/realtime?sessionId=%s", strings.TrimRight(m.cfg.WebsocketURL, "/"), s.DeviceID, s.ID)
	}
	if m.tokens != nil {
		tok, err := m.tokens.IssueSession(s.ID, s.DeviceID, s.UserID, s.ExpiresAt())
		if err != nil {
			m.registry.Release(req.DeviceID)
			return nil, fmt.Errorf("issue session token: %w", err)
		}
		h.SessionToken = tok
	}

	m.mu.Lock()
	if _, dup := m.sessions[s.ID]; dup {
		m.mu.Unlock()
		m.registry.Release(req.DeviceID)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	m.sessions[s.ID] = &sessionEntry{s: s}
	m.mu.Unlock()
	m.metrics.ActiveSessions.Inc()

	m.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("device_id", s.DeviceID),
		zap.String("user_id", s.UserID),
		zap.Duration("duration", dur))
	m.publish(s, MsgSession, map[string]any{"status": s.Status})

	h.Session = s.clone()
	return h, nil
}

func (m *Manager) controlEndpoint(info DeviceInfo) string {
	if info.Endpoint != "" {
		return info.Endpoint
	}
	return fmt.Sprintf("%s/devices/%s/control", strings.TrimRight(m.cfg.ControlBaseURL, "/"), info.ID)
}

func (m *Manager) entry(id string) (*sessionEntry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

func (m *Manager) Session(id string) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	return out
}

// ExecuteCommand: сессия, срок, статус, AbuseGuard, безопасность, отправка.
// Неуспешная команда попадает в историю, но не в оплачиваемую стоимость.
func (m *Manager) ExecuteCommand(ctx context.Context, sessionID string, cmd Command, priority int) (*ExecutedCommand, error) {
	if _, ok := cmd.(EmergencyStop); ok {
		return m.EmergencyStop(ctx, sessionID)
	}

	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s

	if s.Status.Open() && !m.now().Before(s.ExpiresAt()) {
		if err := m.closeLocked(ctx, s, SessionExpired); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, s.ID)
	}
	if s.Status != SessionActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, s.ID, s.Status)
	}

	if m.gate != nil {
		if d := m.gate.Check(ctx, s.UserID, abuse.ClassRobotControl); !d.Allowed {
			m.metrics.DeviceCommands.WithLabelValues(string(cmd.Kind()), "rejected").Inc()
			return nil, d.Err()
		}
	}

	if err := CheckSafety(cmd, s.Safety); err != nil {
		m.metrics.DeviceCommands.WithLabelValues(string(cmd.Kind()), "unsafe").Inc()
		m.logger.Warn("unsafe command rejected",
			zap.String("session_id", s.ID),
			zap.String("kind", string(cmd.Kind())),
			zap.Error(err))
		return nil, err
	}

	if priority <= 0 {
		priority = DefaultPriority
	}
	exec, dispatchErr := m.dispatch(ctx, s, cmd, priority)
	if exec.Success {
		exec.Cost = CommandCost(exec.ExecutionTime, priority)
	}
	s.record(exec, payloadSize(exec))

	result := "ok"
	if !exec.Success {
		result = "failed"
	}
	m.metrics.DeviceCommands.WithLabelValues(string(cmd.Kind()), result).Inc()
	m.publish(s, MsgCommand, map[string]any{"executionId": exec.ExecutionID, "success": exec.Success, "cost": exec.Cost.String()})

	out := exec
	return &out, dispatchErr
}

// dispatch отправляет команду с таймаутом. Транспортный сбой отдаётся как DeviceFault.
func (m *Manager) dispatch(ctx context.Context, s *Session, cmd Command, priority int) (ExecutedCommand, error) {
	exec := ExecutedCommand{
		ExecutionID: m.nextExecutionID(s.ID),
		Kind:        cmd.Kind(),
		Command:     cmd,
		Priority:    priority,
		ExecutedAt:  m.now(),
		Cost:        decimal.Zero,
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	start := time.Now()
	res, err := m.adapter.Dispatch(dctx, s.DeviceID, cmd)
	exec.ExecutionTime = time.Since(start)

	if err != nil {
		exec.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			exec.Error = "command timed out"
		}
		m.logger.Warn("command dispatch failed",
			zap.String("session_id", s.ID),
			zap.String("execution_id", exec.ExecutionID),
			zap.Error(err))
		return exec, fault(FaultOffline, s.DeviceID, exec.Error)
	}
	exec.Success = res.Success
	exec.Error = res.Error
	exec.Data = res.Data
	return exec, nil
}

// EmergencyStop проходит мимо проверки статуса и AbuseGuard.
// Эскроу закрывается до смены статуса, устройство возвращается в реестр.
func (m *Manager) EmergencyStop(ctx context.Context, sessionID string) (*ExecutedCommand, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s

	exec, dispatchErr := m.dispatch(ctx, s, EmergencyStop{}, EmergencyPriority)
	s.record(exec, payloadSize(exec))
	if dispatchErr != nil {
		m.metrics.DeviceCommands.WithLabelValues(string(KindEmergencyStop), "failed").Inc()
		m.logger.Error("emergency stop not delivered", zap.String("session_id", s.ID), zap.Error(dispatchErr))
		out := exec
		return &out, dispatchErr
	}
	m.metrics.DeviceCommands.WithLabelValues(string(KindEmergencyStop), "ok").Inc()

	var finErr error
	if !s.Finalized {
		finErr = m.finalize(ctx, s)
	}
	if s.Status.Open() {
		now := m.now()
		s.Status = SessionError
		s.EndedAt = &now
		m.metrics.ActiveSessions.Dec()
		m.registry.Release(s.DeviceID)
	}

	m.logger.Warn("emergency stop executed",
		zap.String("session_id", s.ID),
		zap.String("device_id", s.DeviceID),
		zap.Bool("escrow_finalized", s.Finalized))
	m.publish(s, MsgEmergency, map[string]any{"executionId": exec.ExecutionID, "status": s.Status})

	out := exec
	if finErr != nil {
		return &out, fmt.Errorf("emergency stop: device stopped, escrow not finalized: %w", finErr)
	}
	return &out, nil
}

func (m *Manager) Pause(_ context.Context, sessionID string) (*Session, error) {
	return m.toggle(sessionID, SessionActive, SessionPaused)
}

func (m *Manager) Resume(_ context.Context, sessionID string) (*Session, error) {
	return m.toggle(sessionID, SessionPaused, SessionActive)
}

func (m *Manager) toggle(sessionID string, from, to SessionStatus) (*Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status != from {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, e.s.Status)
	}
	e.s.Status = to
	m.publish(e.s, MsgSession, map[string]any{"status": to})
	return e.s.clone(), nil
}

// Terminate закрывает сессию как completed или expired.
// Ошибка эскроу оставляет сессию открытой, чтобы закрытие можно было повторить.
func (m *Manager) Terminate(ctx context.Context, sessionID string, status SessionStatus) (*Session, error) {
	if status != SessionCompleted && status != SessionExpired {
		return nil, fmt.Errorf("terminate: unsupported status %q", status)
	}
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.closeLocked(ctx, e.s, status); err != nil {
		return nil, err
	}
	return e.s.clone(), nil
}

// closeLocked: эскроу, затем статус. Вызывается под e.mu.
func (m *Manager) closeLocked(ctx context.Context, s *Session, status SessionStatus) error {
	switch {
	case s.Status.Open():
	case s.Status == SessionError && !s.Finalized:
		// после аварийной остановки эскроу можно дозакрыть, статус остаётся error
	default:
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.Status)
	}

	if err := m.finalize(ctx, s); err != nil {
		return err
	}

	wasOpen := s.Status.Open()
	if wasOpen {
		now := m.now()
		s.Status = status
		s.EndedAt = &now
		m.metrics.ActiveSessions.Dec()
		m.registry.Release(s.DeviceID)
		if err := m.adapter.Disconnect(ctx, s.DeviceID, s.ID, string(status)); err != nil {
			m.logger.Warn("device disconnect failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	m.logger.Info("session closed",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.String("total_cost", s.TotalCost.String()),
		zap.Int("commands", s.Metrics.TotalCommands))
	m.publish(s, MsgSession, map[string]any{"status": s.Status})
	return nil
}

func (m *Manager) finalize(ctx context.Context, s *Session) error {
	if m.escrow == nil {
		s.Finalized = true
		return nil
	}
	released, err := m.escrow.FinalizeSession(ctx, s.ID)
	if err != nil {
		m.logger.Error("escrow finalization failed", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("finalize escrow for %s: %w", s.ID, err)
	}
	s.Finalized = true
	if len(released) > 0 {
		m.logger.Info("session escrow released", zap.String("session_id", s.ID), zap.Int("accounts", len(released)))
	}
	return nil
}

// ExpireDue закрывает сессии, чей срок вышел, независимо от оставшихся команд.
func (m *Manager) ExpireDue(ctx context.Context) int {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.s.Status.Open() && !now.Before(e.s.ExpiresAt()) {
			if err := m.closeLocked(ctx, e.s, SessionExpired); err == nil {
				n++
			}
		}
		e.mu.Unlock()
	}
	return n
}

// Run — фоновый цикл истечения сессий.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ExpireDue(ctx); n > 0 {
				m.logger.Info("sessions expired", zap.Int("count", n))
			}
		}
	}
}

// HandleDeviceMessage применяет сообщение устройства к сессии и пересылает его подписчикам.
func (m *Manager) HandleDeviceMessage(ctx context.Context, msg Message) error {
	e, err := m.entry(msg.SessionID)
	if err != nil {
		return err
	}
	if msg.DeviceID == "" {
		msg.DeviceID = e.s.DeviceID
	}

	switch msg.Type {
	case MsgStatusUpdate:
		if v, ok := number(msg.Data["latency"]); ok {
			e.mu.Lock()
			e.s.Metrics.CurrentLatency = v
			e.mu.Unlock()
		}
	case MsgTelemetry:
		if v, ok := number(msg.Data["dataSize"]); ok {
			e.mu.Lock()
			e.s.Metrics.DataTransferred += int64(v)
			e.mu.Unlock()
		}
	case MsgError:
		m.logger.Error("device error", zap.String("session_id", msg.SessionID), zap.Any("data", msg.Data))
		if critical, _ := msg.Data["critical"].(bool); critical {
			e.mu.Lock()
			err := m.failLocked(ctx, e.s)
			e.mu.Unlock()
			if err != nil {
				return err
			}
		}
	case MsgEmergency:
		m.logger.Error("device emergency", zap.String("session_id", msg.SessionID), zap.Any("data", msg.Data))
		if _, err := m.EmergencyStop(ctx, msg.SessionID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: message type %q", ErrInvalidCommand, msg.Type)
	}

	m.bus.Publish(msg)
	return nil
}

// failLocked — критическая ошибка устройства: эскроу, затем статус error.
func (m *Manager) failLocked(ctx context.Context, s *Session) error {
	if !s.Status.Open() {
		return nil
	}
	if err := m.finalize(ctx, s); err != nil {
		return err
	}
	now := m.now()
	s.Status = SessionError
	s.EndedAt = &now
	m.metrics.ActiveSessions.Dec()
	m.registry.Release(s.DeviceID)
	m.publish(s, MsgSession, map[string]any{"status": s.Status})
	return nil
}

func (m *Manager) publish(s *Session, t MessageType, data map[string]any) {
	m.bus.Publish(Message{Type: t, SessionID: s.ID, DeviceID: s.DeviceID, Data: data, Timestamp: m.now()})
}

// nextExecutionID монотонен в пределах процесса.
func (m *Manager) nextExecutionID(sessionID string) string {
	tail := sessionID
	if i := strings.LastIndex(sessionID, "_"); i >= 0 {
		tail = sessionID[i+1:]
	}
	return fmt.Sprintf("exec_%d_%s", m.seq.Add(1), tail)
}

// NewSessionID формат session_<device>_<ms>_<8 символов [a-z0-9]>.
func NewSessionID(deviceID string, now time.Time) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return fmt.Sprintf("session_%s_%d_%s", deviceID, now.UnixMilli(), b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

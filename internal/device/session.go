package device

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionError     SessionStatus = "error"
)

// Open — сессия ещё держит устройство.
func (s SessionStatus) Open() bool { return s == SessionActive || s == SessionPaused }

type SessionMetrics struct {
	TotalCommands   int     `json:"totalCommands"`
	AvgResponseTime float64 `json:"avgResponseTime"` // мс
	SuccessRate     float64 `json:"successRate"`     // %
	DataTransferred int64   `json:"dataTransferred"`
	CurrentLatency  float64 `json:"currentLatency"` // мс
}

type ExecutedCommand struct {
	ExecutionID   string          `json:"executionId"`
	Kind          Kind            `json:"type"`
	Command       Command         `json:"parameters"`
	Priority      int             `json:"priority"`
	ExecutedAt    time.Time       `json:"executedAt"`
	ExecutionTime time.Duration   `json:"executionTime"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	Data          map[string]any  `json:"data,omitempty"`
	Cost          decimal.Decimal `json:"cost"`
}

// UnmarshalJSON восстанавливает Command по полю type, как DecodeCommand на входе API.
func (e *ExecutedCommand) UnmarshalJSON(data []byte) error {
	type plain ExecutedCommand
	var aux struct {
		plain
		Command json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = ExecutedCommand(aux.plain)
	if aux.Kind == "" {
		return nil
	}
	cmd, err := DecodeCommand(string(aux.Kind), aux.Command)
	if err != nil {
		return err
	}
	e.Command = cmd
	return nil
}

type Session struct {
	ID        string            `json:"sessionId"`
	DeviceID  string            `json:"deviceId"`
	UserID    string            `json:"userId"`
	PaymentID string            `json:"paymentId,omitempty"`
	Prepaid   int64             `json:"prepaidAmount"`
	StartTime time.Time         `json:"startTime"`
	Duration  time.Duration     `json:"duration"`
	Status    SessionStatus     `json:"status"`
	TotalCost decimal.Decimal   `json:"totalCost"`
	Safety    SafetyLimits      `json:"safetyLimits"`
	History   []ExecutedCommand `json:"commandHistory"`
	Metrics   SessionMetrics    `json:"metrics"`
	Finalized bool              `json:"escrowFinalized"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

func (s *Session) ExpiresAt() time.Time { return s.StartTime.Add(s.Duration) }

func (s *Session) clone() *Session {
	c := *s
	c.History = append([]ExecutedCommand(nil), s.History...)
	return &c
}

func (s *Session) record(cmd ExecutedCommand, size int64) {
	s.History = append(s.History, cmd)
	if cmd.Success {
		s.TotalCost = s.TotalCost.Add(cmd.Cost)
	}

	m := &s.Metrics
	m.TotalCommands++
	ms := float64(cmd.ExecutionTime) / float64(time.Millisecond)
	m.AvgResponseTime = (m.AvgResponseTime*float64(m.TotalCommands-1) + ms) / float64(m.TotalCommands)
	ok := 0
	for _, h := range s.History {
		if h.Success {
			ok++
		}
	}
	m.SuccessRate = float64(ok) / float64(m.TotalCommands) * 100
	m.DataTransferred += size
}

var (
	baseCommandCost = decimal.RequireFromString("0.001")
	perSecondCost   = decimal.RequireFromString("0.0001")
	perPriorityCost = decimal.RequireFromString("0.0001")
)

// CommandCost — USDC за команду: база, время исполнения и приоритет.
func CommandCost(elapsed time.Duration, priority int) decimal.Decimal {
	if priority <= 0 {
		priority = DefaultPriority
	}
	secs := decimal.NewFromInt(elapsed.Milliseconds()).Div(decimal.NewFromInt(1000))
	return baseCommandCost.
		Add(perSecondCost.Mul(secs)).
		Add(perPriorityCost.Mul(decimal.NewFromInt(int64(priority))))
}

package audit

import "time"

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindSettlement    Kind = "settlement"
	KindEscrow        Kind = "escrow"
	KindDevice        Kind = "device"
	KindAbuse         Kind = "abuse"
	KindPause         Kind = "pause"
)

type Event struct {
	ID       string `json:"id"`       // UUID события
	TraceID  string `json:"trace_id"` // Сквозной ID запроса
	Kind     Kind   `json:"kind"`
	Actor    string `json:"actor"`    // плательщик, пользователь или оператор
	Resource string `json:"resource"` // платёж, эскроу, сессия
	Action   string `json:"action"`

	Amount   int64          `json:"amount,omitempty"` // в минимальных единицах
	Currency string         `json:"currency,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// Результат
	Status     string    `json:"status"` // "ok", "rejected", "failed"
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

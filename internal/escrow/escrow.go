// Package escrow держит средства сессии до выполнения условия выдачи,
// делит выручку между платформой и получателем и ведёт журнал платёжных транзакций.
//
// Жизненный цикл счёта:
//  1. Расчёт в режиме escrow → locked
//  2. Сессия завершена / оператор одобрил / спор решён / истёк таймаут → released
//  3. Возврат плательщику → refunded
//
// released и refunded взаимоисключающие и финальные.
package escrow

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

type ConditionType string

const (
	ConditionSessionCompletion ConditionType = "session_completion"
	ConditionManualApproval    ConditionType = "manual_approval"
	ConditionTimeout           ConditionType = "timeout"
	ConditionDisputeResolution ConditionType = "dispute_resolution"
)

func (c ConditionType) Valid() bool {
	switch c {
	case ConditionSessionCompletion, ConditionManualApproval, ConditionTimeout, ConditionDisputeResolution:
		return true
	}
	return false
}

// ReleasePolicy — как комбинируются условия выдачи.
type ReleasePolicy string

const (
	// ReleasePolicyAny — достаточно любого выполненного условия.
	ReleasePolicyAny ReleasePolicy = "any"
	// ReleasePolicyAll — нужны все условия, кроме таймаута; истёкший таймаут выдаёт в любом случае.
	ReleasePolicyAll ReleasePolicy = "all"
)

// DefaultAutoRelease — через сколько сработает условие timeout.
const DefaultAutoRelease = 24 * time.Hour

type Condition struct {
	Type        ConditionType `json:"type"`
	Satisfied   bool          `json:"satisfied"`
	SatisfiedAt *time.Time    `json:"satisfiedAt,omitempty"`
}

type Account struct {
	ID            string      `json:"escrowId"`
	SessionID     string      `json:"sessionId"`
	Payer         string      `json:"payer"`
	Recipient     string      `json:"recipient"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Status        Status      `json:"status"`
	Conditions    []Condition `json:"releaseConditions"`
	AutoReleaseAt time.Time   `json:"autoReleaseAt"`
	PlatformFee   int64       `json:"platformFee"`
	NetAmount     int64       `json:"netAmount"`
	Resolution    string      `json:"resolution,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
}

func (a *Account) IsTerminal() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

func (a *Account) condition(t ConditionType) *Condition {
	for i := range a.Conditions {
		if a.Conditions[i].Type == t {
			return &a.Conditions[i]
		}
	}
	return nil
}

// Clone — глубокая копия, чтобы кэш и вызывающие не делили слайс условий.
func (a *Account) Clone() *Account {
	c := *a
	c.Conditions = append([]Condition(nil), a.Conditions...)
	return &c
}

type Code string

const (
	CodeInvalidState     Code = "invalid_state"
	CodeConditionsNotMet Code = "conditions_not_met"
	CodeNotFound         Code = "not_found"
)

// EscrowError — ошибка порядка операций. Не глотается: вызывающий должен её увидеть.
type EscrowError struct {
	Code     Code
	EscrowID string
	Detail   string
}

func (e *EscrowError) Error() string {
	if e.EscrowID == "" {
		return fmt.Sprintf("escrow: %s", e.Code)
	}
	if e.Detail == "" {
		return fmt.Sprintf("escrow %s: %s", e.EscrowID, e.Code)
	}
	return fmt.Sprintf("escrow %s: %s: %s", e.EscrowID, e.Code, e.Detail)
}

func (e *EscrowError) Is(target error) bool {
	var t *EscrowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidState     = &EscrowError{Code: CodeInvalidState}
	ErrConditionsNotMet = &EscrowError{Code: CodeConditionsNotMet}
	ErrNotFound         = &EscrowError{Code: CodeNotFound}
)

func invalidState(id string, status Status) error {
	return &EscrowError{Code: CodeInvalidState, EscrowID: id, Detail: "status " + string(status)}
}

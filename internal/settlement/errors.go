package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ThrottleError — фасилитатор попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

type Reason string

const (
	ReasonFacilitatorUnreachable Reason = "facilitator_unreachable"
	ReasonLedgerRejected         Reason = "ledger_rejected"
	ReasonTimeout                Reason = "timeout"
	ReasonInsufficientBalance    Reason = "insufficient_facilitator_balance"
	ReasonEscrowLockFailed       Reason = "escrow_lock_failed"
)

// SettlementError отдаётся вызывающему вместе с причиной. Решение о повторе — за ним.
type SettlementError struct {
	Reason Reason
	Detail string
	Cause  error
}

func (e *SettlementError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("settlement failed: %s", e.Reason)
	}
	return fmt.Sprintf("settlement failed: %s: %s", e.Reason, e.Detail)
}

func (e *SettlementError) Unwrap() error { return e.Cause }

func (e *SettlementError) Is(target error) bool {
	var t *SettlementError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrFacilitatorUnreachable = &SettlementError{Reason: ReasonFacilitatorUnreachable}
	ErrLedgerRejected         = &SettlementError{Reason: ReasonLedgerRejected}
	ErrTimeout                = &SettlementError{Reason: ReasonTimeout}
	ErrInsufficientBalance    = &SettlementError{Reason: ReasonInsufficientBalance}

	ErrIllegalTransition  = errors.New("settlement: illegal stage transition")
	ErrSettlementNotFound = errors.New("settlement: not found")
	ErrNotSettled         = errors.New("settlement: transaction not settled")
	ErrAlreadyRedeemed    = errors.New("settlement: payment already redeemed")
)

// LedgerRejection — фасилитатор ответил, но отказал (4xx, бизнес-ошибка).
// Такие ошибки не ретраятся транспортом.
type LedgerRejection struct {
	Status  int
	Message string
}

func (e *LedgerRejection) Error() string {
	return fmt.Sprintf("ledger rejected (%d): %s", e.Status, e.Message)
}

// classify переводит транспортную ошибку в SettlementError.
func classify(err error) *SettlementError {
	var se *SettlementError
	if errors.As(err, &se) {
		return se
	}
	var lr *LedgerRejection
	if errors.As(err, &lr) {
		return &SettlementError{Reason: ReasonLedgerRejected, Detail: lr.Message, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SettlementError{Reason: ReasonTimeout, Detail: err.Error(), Cause: err}
	}
	return &SettlementError{Reason: ReasonFacilitatorUnreachable, Detail: err.Error(), Cause: err}
}

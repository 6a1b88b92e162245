package intent

import (
	"errors"
	"fmt"
)

// Reason — стабильный машинно-читаемый код отказа в авторизации.
type Reason string

const (
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonExpiryTooFar     Reason = "expiry_out_of_range"
	ReasonReplayDetected   Reason = "replay_detected"
	ReasonAmountOutOfRange Reason = "amount_out_of_range"
	ReasonMalformedParty   Reason = "malformed_party"
)

// AuthorizationError всегда фатальна для текущего запроса, автоматически не ретраится.
type AuthorizationError struct {
	Reason Reason
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authorization rejected: %s", e.Reason)
	}
	return fmt.Sprintf("authorization rejected: %s: %s", e.Reason, e.Detail)
}

// Is позволяет сравнивать через errors.Is(err, intent.ErrExpired) без учёта Detail.
func (e *AuthorizationError) Is(target error) bool {
	var t *AuthorizationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrInvalidSignature = &AuthorizationError{Reason: ReasonInvalidSignature}
	ErrExpired          = &AuthorizationError{Reason: ReasonExpired}
	ErrExpiryTooFar     = &AuthorizationError{Reason: ReasonExpiryTooFar}
	ErrReplayDetected   = &AuthorizationError{Reason: ReasonReplayDetected}
	ErrAmountOutOfRange = &AuthorizationError{Reason: ReasonAmountOutOfRange}
	ErrMalformedParty   = &AuthorizationError{Reason: ReasonMalformedParty}

	// ErrPaymentIDCollision — нарушение целостности: один paymentId у двух разных заявок.
	ErrPaymentIDCollision = errors.New("intent: payment id collision")
)

func reject(r Reason, format string, args ...any) error {
	return &AuthorizationError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

package domain

import (
	"errors"
	"time"
)

// TxStatus — статусы конечного автомата платёжной транзакции.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
	TxRefunded   TxStatus = "refunded"
)

var (
	ErrInvalidTxTransition = errors.New("invalid transaction status transition")
	ErrTxAlreadyFinal      = errors.New("transaction already in final state")
)

// txTransitions — допустимые переходы. Откат в pending невозможен.
var txTransitions = map[TxStatus][]TxStatus{
	TxPending:    {TxProcessing, TxFailed, TxCancelled},
	TxProcessing: {TxCompleted, TxFailed, TxCancelled},
	TxCompleted:  {TxRefunded},
}

// PaymentTransaction — одна попытка расчёта по PaymentRequest.
type PaymentTransaction struct {
	ID               string     `json:"transactionId"`
	PaymentRequestID string     `json:"paymentRequestId"`
	SessionID        string     `json:"sessionId,omitempty"`
	DeviceID         string     `json:"deviceId,omitempty"`
	Payer            string     `json:"payer"`
	Recipient        string     `json:"recipient"`
	Amount           int64      `json:"amount"`
	PlatformFee      int64      `json:"platformFee"`
	NetAmount        int64      `json:"netAmount"`
	Currency         string     `json:"currency"`
	Status           TxStatus   `json:"status"`
	LedgerTxID       *string    `json:"ledgerTxId,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата
func (t *PaymentTransaction) CanTransitionTo(next TxStatus) error {
	allowed, ok := txTransitions[t.Status]
	if !ok {
		return ErrTxAlreadyFinal
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return ErrInvalidTxTransition
}

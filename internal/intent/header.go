package intent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

const (
	HeaderPayment     = "X-PAYMENT"
	HeaderTxSignature = "X-TX-SIGNATURE"

	ProtocolVersion   = "1.0"
	PaymentTypeSolana = "solana"
)

var ErrMalformedHeader = errors.New("intent: malformed X-PAYMENT header")

// PaymentPayload — тело заявки внутри X-PAYMENT. Amount передаётся строкой,
// чтобы не терять точность у JS-клиентов.
type PaymentPayload struct {
	PaymentID    string               `json:"paymentId"`
	Payer        string               `json:"payer"`
	Recipient    string               `json:"recipient"`
	Amount       string               `json:"amount"`
	TokenMint    string               `json:"tokenMint"`
	AgentID      string               `json:"agentId"`
	TaskMetadata map[string]any       `json:"taskMetadata,omitempty"`
	ExpiresAt    int64                `json:"expiresAt"`
	Nonce        int64                `json:"nonce"`
	Signature    *signature.Signature `json:"paymentIntentSignature,omitempty"`
}

type PaymentHeader struct {
	Version     string         `json:"version"`
	PaymentType string         `json:"paymentType"`
	Network     string         `json:"network"`
	Payload     PaymentPayload `json:"payload"`
}

// NewHeader заворачивает подписанную заявку в конверт протокола.
func NewHeader(network string, in domain.PaymentIntent, sig *signature.Signature, meta map[string]any) PaymentHeader {
	return PaymentHeader{
		Version:     ProtocolVersion,
		PaymentType: PaymentTypeSolana,
		Network:     network,
		Payload: PaymentPayload{
			PaymentID:    in.PaymentID,
			Payer:        in.Payer,
			Recipient:    in.Recipient,
			Amount:       strconv.FormatInt(in.Amount, 10),
			TokenMint:    in.TokenMint,
			AgentID:      in.ResourceID,
			TaskMetadata: meta,
			ExpiresAt:    in.ExpiresAt,
			Nonce:        in.Nonce,
			Signature:    sig,
		},
	}
}

// Intent восстанавливает PaymentIntent из полезной нагрузки заголовка.
func (h PaymentHeader) Intent() (domain.PaymentIntent, error) {
	amount, err := strconv.ParseInt(h.Payload.Amount, 10, 64)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: amount %q", ErrMalformedHeader, h.Payload.Amount)
	}
	return domain.PaymentIntent{
		PaymentID:  h.Payload.PaymentID,
		Payer:      h.Payload.Payer,
		Recipient:  h.Payload.Recipient,
		Amount:     amount,
		TokenMint:  h.Payload.TokenMint,
		ResourceID: h.Payload.AgentID,
		ExpiresAt:  h.Payload.ExpiresAt,
		Nonce:      h.Payload.Nonce,
	}, nil
}

func EncodeHeader(h PaymentHeader) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("intent: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodeHeader(value string) (*PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var h PaymentHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return &h, nil
}

// HeaderValidationError перечисляет все найденные нарушения, а не только первое.
type HeaderValidationError struct {
	Problems []string
}

func (e *HeaderValidationError) Error() string {
	return fmt.Sprintf("invalid payment header: %v", e.Problems)
}

// ValidateHeader — структурная проверка конверта без криптографии.
func ValidateHeader(h *PaymentHeader, now time.Time) error {
	var problems []string
	if h.Version != ProtocolVersion {
		problems = append(problems, "unsupported version: "+h.Version)
	}
	if h.PaymentType != PaymentTypeSolana {
		problems = append(problems, "unsupported payment type: "+h.PaymentType)
	}
	if h.Payload.ExpiresAt <= now.Unix() {
		problems = append(problems, "payment has expired")
	}
	if h.Payload.PaymentID == "" {
		problems = append(problems, "missing paymentId")
	}
	if h.Payload.Payer == "" {
		problems = append(problems, "missing payer")
	}
	if h.Payload.Recipient == "" {
		problems = append(problems, "missing recipient")
	}
	if amount, err := strconv.ParseInt(h.Payload.Amount, 10, 64); err != nil || amount <= 0 {
		problems = append(problems, "invalid amount")
	}
	if len(problems) > 0 {
		return &HeaderValidationError{Problems: problems}
	}
	return nil
}

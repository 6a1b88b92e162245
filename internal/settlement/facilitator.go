package settlement

import "context"

// Facilitator — сторона, которая платит комиссию сети и ретранслирует расчёт в леджер.
type Facilitator interface {
	// CreateTransaction POST /transaction/create — шаблон транзакции без газа плательщика.
	CreateTransaction(ctx context.Context, req CreateTxRequest) (*CreateTxResponse, error)
	// SubmitTransaction POST /transaction/submit — отправка подписанной транзакции.
	SubmitTransaction(ctx context.Context, req SubmitTxRequest) (*SubmitTxResponse, error)
	// Settle POST /settle — расчёт по подписанной офчейн заявке (X-PAYMENT).
	Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error)
}

// BalanceChecker сообщает остаток фасилитатора, из которого спонсируется газ.
type BalanceChecker interface {
	FacilitatorBalance(ctx context.Context) (int64, error)
}

type CreateTxRequest struct {
	AgentID string `json:"agentId"`
	Payer   string `json:"payer"`
}

type CreateTxResponse struct {
	Transaction   string `json:"transaction"` // base64, непрозрачный для шлюза
	PaymentID     string `json:"paymentId"`
	AgentID       string `json:"agentId"`
	Amount        int64  `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
	Currency      string `json:"currency"`
	Recipient     string `json:"recipient"`
}

type SubmitTxRequest struct {
	SignedTransaction string `json:"signedTransaction"`
	PaymentID         string `json:"paymentId"`
}

type SubmitTxResponse struct {
	TxSignature string `json:"txSignature"`
	Slot        uint64 `json:"slot"`
	ExplorerURL string `json:"explorerUrl"`
}

type SettleRequest struct {
	Payment string `json:"payment"` // base64 X-PAYMENT
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	Mode        string `json:"mode,omitempty"`
	TxSignature string `json:"txSignature"`
	Slot        uint64 `json:"slot"`
	Error       string `json:"error,omitempty"`
}

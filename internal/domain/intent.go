package domain

// PaymentIntent — неизменяемая после подписи заявка плательщика на списание.
// ResourceID адресует агента или устройство, за доступ к которому идёт оплата.
type PaymentIntent struct {
	PaymentID  string `json:"paymentId"`
	Payer      string `json:"payer"`
	Recipient  string `json:"recipient"`
	Amount     int64  `json:"amount"` // в минимальных единицах токена
	TokenMint  string `json:"tokenMint"`
	ResourceID string `json:"agentId"`
	ExpiresAt  int64  `json:"expiresAt"` // unix seconds
	Nonce      int64  `json:"nonce"`     // unix millis, уникален для плательщика
}

// Expired сообщает, истёк ли срок действия заявки на момент now (unix seconds).
func (p PaymentIntent) Expired(now int64) bool {
	return now >= p.ExpiresAt
}

package intent

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// Invoice — то, что ресурс просит оплатить в ответе 402.
type Invoice struct {
	InvoiceID   string `json:"invoiceId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Recipient   string `json:"recipient"`
	ResourceID  string `json:"agentId"`
	Network     string `json:"network"`
	ExpiresAt   int64  `json:"expiresAt"`
	Description string `json:"description,omitempty"`
}

type requiredBody struct {
	Error   string  `json:"error"`
	Code    int     `json:"code"`
	Message string  `json:"message"`
	Invoice Invoice `json:"invoice"`
}

// WritePaymentRequired отвечает 402 с набором заголовков X-Payment-*.
func WritePaymentRequired(w http.ResponseWriter, inv Invoice, message string) {
	if inv.InvoiceID == "" {
		inv.InvoiceID = uuid.NewString()
	}
	if inv.Currency == "" {
		inv.Currency = "USDC"
	}
	if message == "" {
		message = HeaderPayment + " header required"
	}

	h := w.Header()
	h.Set("X-Payment-Required", "true")
	h.Set("X-Payment-Invoice", inv.InvoiceID)
	h.Set("X-Payment-Amount", strconv.FormatInt(inv.Amount, 10))
	h.Set("X-Payment-Currency", inv.Currency)
	h.Set("X-Payment-Recipient", inv.Recipient)
	h.Set("X-Payment-Agent", inv.ResourceID)
	h.Set("X-Payment-Network", inv.Network)
	h.Set("X-Payment-Expires", strconv.FormatInt(inv.ExpiresAt, 10))
	h.Set("Content-Type", "application/json")

	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(requiredBody{
		Error:   "Payment Required",
		Code:    http.StatusPaymentRequired,
		Message: message,
		Invoice: inv,
	})
}

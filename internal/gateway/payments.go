package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
)

type paymentRequestBody struct {
	SessionID   string `json:"sessionId"`
	DeviceID    string `json:"deviceId"`
	UserID      string `json:"userId"`
	DeviceOwner string `json:"deviceOwner"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// createPaymentRequest: sessionId выделяется здесь, если клиент его не передал,
// чтобы эскроу и будущая управляющая сессия совпали по ID.
func (s *Server) createPaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req paymentRequestBody
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.DeviceID == "" || req.UserID == "" || req.DeviceOwner == "" {
		WriteError(w, r, s.logger, badRequest("deviceId, userId and deviceOwner are required"))
		return
	}
	if err := s.admit(r, req.UserID, abuse.ClassPayment); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = device.NewSessionID(req.DeviceID, s.now())
	}

	pr, err := s.deps.Processor.CreatePaymentRequest(req.SessionID, req.DeviceID, req.UserID, req.DeviceOwner, req.Amount, req.Currency, req.Description)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, pr)
}

func (s *Server) getPaymentRequest(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.deps.Processor.PaymentRequest(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, r, s.logger, settlement.ErrPaymentRequestAbsent)
		return
	}
	WriteJSON(w, http.StatusOK, pr)
}

type processBody struct {
	Payer             string `json:"payer"`
	Payment           string `json:"payment"` // X-PAYMENT, base64
	SignedTransaction string `json:"signedTransaction"`
}

// processPayment принимает подписанную заявку (тем же форматом, что X-PAYMENT)
// или подписанную транзакцию. Заявка проходит полную авторизацию до расчёта.
func (s *Server) processPayment(w http.ResponseWriter, r *http.Request) {
	var body processBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if body.Payment == "" {
		body.Payment = r.Header.Get(intent.HeaderPayment)
	}

	params := settlement.ProcessParams{Payer: body.Payer, SignedTx: body.SignedTransaction}
	if body.Payment != "" {
		h, err := intent.DecodeHeader(body.Payment)
		if err == nil {
			err = intent.ValidateHeader(h, s.now())
		}
		if err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
		in, err := h.Intent()
		if err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
		if h.Payload.Signature == nil {
			WriteError(w, r, s.logger, &intent.AuthorizationError{Reason: intent.ReasonInvalidSignature, Detail: "paymentIntentSignature missing"})
			return
		}
		params.Payer = in.Payer
		params.Intent = &in
		params.Signature = h.Payload.Signature
	}
	if params.Payer == "" {
		WriteError(w, r, s.logger, badRequest("payer is required"))
		return
	}
	if err := s.admit(r, params.Payer, abuse.ClassPayment); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if params.Intent != nil {
		if _, err := s.deps.Authorizer.Authorize(r.Context(), *params.Intent, *params.Signature); err != nil {
			s.observe(r, params.Payer, params.Intent.Amount, true)
			WriteError(w, r, s.logger, err)
			return
		}
	}

	start := time.Now()
	requestID := chi.URLParam(r, "id")
	tx, err := s.deps.Processor.ProcessPayment(r.Context(), requestID, params)

	ev := audit.Event{
		TraceID:    TraceID(r.Context()),
		Kind:       audit.KindSettlement,
		Actor:      params.Payer,
		Resource:   requestID,
		Action:     "process_payment",
		Status:     audit.StatusOK,
		DurationMs: time.Since(start).Milliseconds(),
	}
	var amount int64
	if tx != nil {
		amount = tx.Amount
		ev.Amount, ev.Currency = tx.Amount, tx.Currency
		ev.Payload = map[string]any{"transactionId": tx.ID, "sessionId": tx.SessionID}
	}
	if err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
	}
	s.deps.Audit.Log(ev)
	s.observe(r, params.Payer, amount, err != nil)

	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) paymentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := escrow.Filter{
		SessionID: q.Get("sessionId"),
		DeviceID:  q.Get("deviceId"),
		Payer:     q.Get("payer"),
		Recipient: q.Get("recipient"),
		Status:    domain.TxStatus(q.Get("status")),
		Currency:  q.Get("currency"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}

	txs, err := s.deps.Payments.History(r.Context(), f)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, txs)
}

func (s *Server) revenueAnalytics(w http.ResponseWriter, r *http.Request) {
	period := escrow.Period(r.URL.Query().Get("period"))
	switch period {
	case "":
		period = escrow.PeriodDay
	case escrow.PeriodDay, escrow.PeriodWeek, escrow.PeriodMonth, escrow.PeriodYear:
	default:
		WriteError(w, r, s.logger, badRequest("period must be day, week, month or year"))
		return
	}
	a, err := s.deps.Payments.RevenueAnalytics(r.Context(), period, s.now())
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

func (s *Server) revenueShare(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		WriteError(w, r, s.logger, badRequest("amount must be a positive integer"))
		return
	}
	WriteJSON(w, http.StatusOK, s.deps.Payments.RevenueShare(amount))
}

func (s *Server) sessionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Payments.SessionSummary(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("time must be RFC3339: " + v)
	}
	return t, nil
}

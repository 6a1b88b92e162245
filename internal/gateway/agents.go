package gateway

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

type createIntentRequest struct {
	Payer      string `json:"payer"`
	Recipient  string `json:"recipient"`
	Amount     int64  `json:"amount"`
	TokenMint  string `json:"tokenMint"`
	AgentID    string `json:"agentId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type createIntentResponse struct {
	Intent  domain.PaymentIntent `json:"intent"`
	Message string               `json:"message"` // base64 канонического сообщения для подписи
}

// createIntent выдаёт заявку к подписи. Сумма и получатель по умолчанию берутся из прайса ресурса.
func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if price, ok := s.deps.Prices[req.AgentID]; ok {
		if req.Amount == 0 {
			req.Amount = price.Amount
		}
		if req.Recipient == "" {
			req.Recipient = price.Recipient
		}
	}
	if err := s.admit(r, req.Payer, abuse.ClassAPICall); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}

	in, err := s.deps.Authorizer.CreateIntent(intent.CreateParams{
		Payer:      req.Payer,
		Recipient:  req.Recipient,
		Amount:     req.Amount,
		TokenMint:  req.TokenMint,
		ResourceID: req.AgentID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createIntentResponse{
		Intent:  in,
		Message: base64.StdEncoding.EncodeToString(signature.CanonicalMessage(in)),
	})
}

type agentInfo struct {
	ID            string `json:"agentId"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	PriceDisplay  string `json:"priceDisplay"`
	Recipient     string `json:"recipient"`
	PaymentHeader string `json:"paymentHeader"`
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	out := make([]agentInfo, 0, len(s.deps.Prices))
	for id, p := range s.deps.Prices {
		out = append(out, agentInfo{
			ID:            id,
			Name:          p.Name,
			Price:         p.Amount,
			PriceDisplay:  domain.DisplayAmount(p.Amount, s.cfg.Currency),
			Recipient:     p.Recipient,
			PaymentHeader: intent.HeaderPayment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

type executeRequest struct {
	TaskParams map[string]any `json:"taskParams"`
}

type executeResponse struct {
	*settlement.ExecuteResult
	Payment *Receipt `json:"payment"`
}

// executeAgent вызывается только за Paywall: квитанция уже в контексте.
func (s *Server) executeAgent(w http.ResponseWriter, r *http.Request) {
	rc, ok := ReceiptFromContext(r.Context())
	if !ok {
		WriteError(w, r, s.logger, settlement.ErrNotSettled)
		return
	}
	if s.deps.Agent == nil {
		WriteJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "Service Unavailable", Code: "agent_unavailable", Message: "no agent executor configured"})
		return
	}

	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
	}

	agentID := chi.URLParam(r, "agentID")
	start := time.Now()
	res, err := s.deps.Agent.Execute(r.Context(), rc.TxSignature, settlement.ExecuteRequest{AgentID: agentID, TaskParams: req.TaskParams})

	ev := audit.Event{
		TraceID:    TraceID(r.Context()),
		Kind:       audit.KindAuthorization,
		Actor:      rc.Payer,
		Resource:   agentID,
		Action:     "agent_execute",
		Amount:     rc.Amount,
		Currency:   s.cfg.Currency,
		Status:     audit.StatusOK,
		DurationMs: time.Since(start).Milliseconds(),
		Payload:    map[string]any{"txSignature": rc.TxSignature},
	}
	if err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
		s.deps.Audit.Log(ev)
		WriteJSON(w, http.StatusBadGateway, ErrorBody{Error: "Bad Gateway", Code: "agent_failed", Message: err.Error(), Details: rc})
		return
	}
	s.deps.Audit.Log(ev)
	WriteJSON(w, http.StatusOK, executeResponse{ExecuteResult: res, Payment: rc})
}

type invoiceRequest struct {
	AgentID string `json:"agentId"`
	Payer   string `json:"payer"`
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.AgentID == "" || req.Payer == "" {
		WriteError(w, r, s.logger, badRequest("agentId and payer are required"))
		return
	}
	if err := s.admit(r, req.Payer, abuse.ClassPayment); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	st, err := s.deps.Coordinator.CreateInvoice(r.Context(), settlement.InvoiceRequest{ResourceID: req.AgentID, Payer: req.Payer})
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, st)
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteJSON(w, http.StatusNotFound, ErrorBody{Error: "Not Found", Code: "settlement_not_found", Message: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

type signatureRequest struct {
	SignedTransaction string `json:"signedTransaction"`
}

func (s *Server) attachSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.SignedTransaction == "" {
		WriteError(w, r, s.logger, badRequest("signedTransaction is required"))
		return
	}
	st, err := s.deps.Coordinator.AttachSignature(r.Context(), chi.URLParam(r, "id"), req.SignedTransaction)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) submitSettlement(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st, err := s.deps.Coordinator.Submit(r.Context(), chi.URLParam(r, "id"))
	if st != nil {
		ev := audit.Event{
			TraceID:    TraceID(r.Context()),
			Kind:       audit.KindSettlement,
			Actor:      st.Payer,
			Resource:   st.PaymentID,
			Action:     "submit",
			Amount:     st.Amount,
			Currency:   st.Currency,
			Status:     audit.StatusOK,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			ev.Status, ev.Error = audit.StatusFailed, err.Error()
		}
		s.deps.Audit.Log(ev)
		s.observe(r, st.Payer, st.Amount, err != nil)
	}
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

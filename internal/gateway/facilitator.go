package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

// FacilitatorHandler отдаёт API фасилитатора поверх любой реализации settlement.Facilitator.
// В демо-режиме шлюз сам выступает фасилитатором поверх MockLedger.
type FacilitatorHandler struct {
	fac     settlement.Facilitator
	network string
	logger  *zap.Logger
	now     func() time.Time
}

func NewFacilitatorHandler(fac settlement.Facilitator, network string, logger *zap.Logger) *FacilitatorHandler {
	return &FacilitatorHandler{fac: fac, network: network, logger: logger.Named("facilitator"), now: time.Now}
}

func (h *FacilitatorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/transaction/create", h.create)
	r.Post("/transaction/submit", h.submit)
	r.Post("/verify", h.verify)
	r.Post("/settle", h.settle)
	return r
}

// fail отвечает в формате, который разбирает settlement.HTTPFacilitator.
func (h *FacilitatorHandler) fail(w http.ResponseWriter, err error) {
	var (
		lr *settlement.LedgerRejection
		te *settlement.ThrottleError
	)
	switch {
	case errors.As(err, &lr):
		WriteJSON(w, lr.Status, map[string]string{"error": lr.Message})
	case errors.As(err, &te):
		w.Header().Set("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())))
		WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": te.Error()})
	default:
		h.logger.Error("facilitator call failed", zap.Error(err))
		WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (h *FacilitatorHandler) create(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateTxRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.fac.CreateTransaction(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *FacilitatorHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req settlement.SubmitTxRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.fac.SubmitTransaction(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	PaymentID     string `json:"paymentId,omitempty"`
}

// check — структура, срок и подпись. Nonce здесь не расходуется: это делает шлюз.
func (h *FacilitatorHandler) check(payment string) verifyResponse {
	hdr, err := intent.DecodeHeader(payment)
	if err != nil {
		return verifyResponse{InvalidReason: err.Error()}
	}
	if err := intent.ValidateHeader(hdr, h.now()); err != nil {
		return verifyResponse{InvalidReason: err.Error(), PaymentID: hdr.Payload.PaymentID}
	}
	in, err := hdr.Intent()
	if err != nil {
		return verifyResponse{InvalidReason: err.Error()}
	}
	out := verifyResponse{Payer: in.Payer, PaymentID: in.PaymentID}
	if hdr.Payload.Signature == nil || !signature.VerifyFromPayer(in, *hdr.Payload.Signature) {
		out.InvalidReason = string(intent.ReasonInvalidSignature)
		return out
	}
	out.IsValid = true
	return out
}

func paymentFrom(r *http.Request) (string, error) {
	var req settlement.SettleRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
	}
	if req.Payment == "" {
		req.Payment = r.Header.Get(intent.HeaderPayment)
	}
	if req.Payment == "" {
		return "", badRequest("payment is required")
	}
	return req.Payment, nil
}

func (h *FacilitatorHandler) verify(w http.ResponseWriter, r *http.Request) {
	payment, err := paymentFrom(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, h.check(payment))
}

func (h *FacilitatorHandler) settle(w http.ResponseWriter, r *http.Request) {
	payment, err := paymentFrom(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if v := h.check(payment); !v.IsValid {
		WriteJSON(w, http.StatusBadRequest, settlement.SettleResponse{Success: false, Error: v.InvalidReason})
		return
	}
	res, err := h.fac.Settle(r.Context(), settlement.SettleRequest{Payment: payment})
	if err != nil {
		h.fail(w, err)
		return
	}
	if res.Mode == "" {
		res.Mode = h.network
	}
	h.logger.Info("payment settled", zap.String("tx", res.TxSignature), zap.Uint64("slot", res.Slot))
	WriteJSON(w, http.StatusOK, res)
}

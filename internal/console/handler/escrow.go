package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/gateway"
)

type EscrowHandler struct {
	service *service.EscrowService
	logger  *zap.Logger
}

func NewEscrowHandler(s *service.EscrowService, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{service: s, logger: logger}
}

// List GET /v1/escrows?status=locked&limit=50
func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	status := escrow.Status(r.URL.Query().Get("status")) // пусто — все статусы
	list, err := h.service.List(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, list)
}

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, a)
}

func (h *EscrowHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r)(h.service.Approve(r.Context(), operatorID(r), chi.URLParam(r, "id")))
}

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r)(h.service.Release(r.Context(), operatorID(r), chi.URLParam(r, "id")))
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(r, &req); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	h.reply(w, r)(h.service.Refund(r.Context(), operatorID(r), chi.URLParam(r, "id"), req.Reason))
}

func (h *EscrowHandler) reply(w http.ResponseWriter, r *http.Request) func(*escrow.Account, error) {
	return func(a *escrow.Account, err error) {
		if err != nil {
			gateway.WriteError(w, r, h.logger, err)
			return
		}
		gateway.WriteJSON(w, http.StatusOK, a)
	}
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/gateway"
)

type GuardHandler struct {
	service *service.GuardService
	logger  *zap.Logger
}

func NewGuardHandler(s *service.GuardService, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{service: s, logger: logger}
}

// ListBlacklist GET /v1/blacklist
func (h *GuardHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, map[string]any{"identities": h.service.Blacklisted()})
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// Block POST /v1/blacklist/{identity}
func (h *GuardHandler) Block(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	var req blockRequest
	if err := decode(r, &req); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	// Ждём и БД, и Redis: клиент должен знать, что блокировка разошлась
	if err := h.service.Block(r.Context(), operatorID(r), identity, req.Reason); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unblock DELETE /v1/blacklist/{identity}
func (h *GuardHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unblock(r.Context(), operatorID(r), chi.URLParam(r, "identity")); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activateRequest struct {
	Trigger         string           `json:"trigger"`
	Level           abuse.PauseLevel `json:"level"`
	DurationSeconds int              `json:"duration"`
	AffectedSystems []string         `json:"affectedSystems"`
	Reason          string           `json:"reason"`
}

// ActivatePause POST /v1/pause
func (h *GuardHandler) ActivatePause(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(r, &req); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	rec, err := h.service.ActivatePause(r.Context(), operatorID(r), abuse.ActivateRequest{
		Trigger:         req.Trigger,
		Level:           req.Level,
		Duration:        time.Duration(req.DurationSeconds) * time.Second,
		AffectedSystems: req.AffectedSystems,
		Reason:          req.Reason,
	})
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusCreated, rec)
}

// DeactivatePause DELETE /v1/pause
func (h *GuardHandler) DeactivatePause(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.DeactivatePause(r.Context(), operatorID(r))
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, rec)
}

// PauseHistory GET /v1/pause/history
func (h *GuardHandler) PauseHistory(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, h.service.PauseHistory(r.Context()))
}

package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/gateway"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

// GetLogs возвращает последние события аудита
// GET /v1/audit?kind=settlement&limit=100
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.Recent(r.Context(), audit.Kind(r.URL.Query().Get("kind")), queryInt(r, "limit", 100))
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, logs)
}

// GetStats GET /v1/audit/stats?window=3600
func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "window", 3600)) * time.Second
	st, err := h.service.Stats(r.Context(), window)
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, st)
}

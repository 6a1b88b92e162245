package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/gateway"
)

// DashboardHandler — сводка для главной страницы админки: состояние AbuseGuard и выручка.
type DashboardHandler struct {
	guard  *service.GuardService
	escrow *service.EscrowService
	logger *zap.Logger
}

func NewDashboardHandler(g *service.GuardService, e *service.EscrowService, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{guard: g, escrow: e, logger: logger}
}

func (h *DashboardHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, h.guard.Status(r.Context()))
}

// GetAnalytics GET /api/v1/dashboard/analytics?period=week
func (h *DashboardHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	period := escrow.Period(r.URL.Query().Get("period"))
	switch period {
	case "":
		period = escrow.PeriodDay
	case escrow.PeriodDay, escrow.PeriodWeek, escrow.PeriodMonth, escrow.PeriodYear:
	default:
		gateway.WriteError(w, r, h.logger, &gateway.BadRequest{Message: "period must be day, week, month or year"})
		return
	}
	stats, err := h.escrow.Analytics(r.Context(), period)
	if err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, stats)
}

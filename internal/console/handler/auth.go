package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/gateway"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
)

type AuthHandler struct {
	service *service.AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decode(r, &req); err != nil {
		gateway.WriteError(w, r, h.logger, err)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		}
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, resp)
}

// operatorID — оператор из проверенного токена. Маршруты без токена сюда не доходят.
func operatorID(r *http.Request) string {
	if c, ok := auth.OperatorFromContext(r.Context()); ok {
		return c.OperatorID
	}
	return ""
}

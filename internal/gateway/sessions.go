package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
)

type initSessionBody struct {
	TransactionID   string               `json:"transactionId"`
	DeviceID        string               `json:"deviceId"`
	UserID          string               `json:"userId"`
	DurationSeconds int                  `json:"duration"`
	SafetyLimits    *device.SafetyLimits `json:"safetyLimits,omitempty"`
}

// initSession открывает управляющую сессию только под завершённую транзакцию
// за это же устройство. ID сессии берётся из транзакции: под него заблокирован эскроу.
func (s *Server) initSession(w http.ResponseWriter, r *http.Request) {
	var body initSessionBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if body.TransactionID == "" || body.DeviceID == "" || body.UserID == "" {
		WriteError(w, r, s.logger, badRequest("transactionId, deviceId and userId are required"))
		return
	}
	if err := s.admit(r, body.UserID, abuse.ClassRobotControl); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}

	tx, err := s.deps.Payments.Get(r.Context(), body.TransactionID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	// Сессию открывает только тот, кто подписал оплату: иначе AbuseGuard проверял бы чужое имя
	if tx.Payer != body.UserID {
		s.logger.Warn("session init by non-payer",
			zap.String("trace_id", TraceID(r.Context())),
			zap.String("tx_id", tx.ID),
			zap.String("user_id", body.UserID))
		WriteJSON(w, http.StatusForbidden, ErrorBody{Error: "Forbidden", Code: "payer_mismatch", Message: "userId does not match the payer of the transaction"})
		return
	}
	verified := tx.Status == domain.TxCompleted && tx.DeviceID == body.DeviceID
	if !verified {
		s.logger.Warn("session init without settled payment",
			zap.String("trace_id", TraceID(r.Context())),
			zap.String("tx_id", tx.ID),
			zap.String("tx_status", string(tx.Status)),
			zap.String("device_id", body.DeviceID))
	}

	h, err := s.deps.Devices.InitializeSession(r.Context(), device.InitRequest{
		SessionID:       tx.SessionID,
		PaymentVerified: verified,
		PaymentID:       tx.ID,
		Amount:          tx.Amount,
		DeviceID:        body.DeviceID,
		UserID:          body.UserID,
		Duration:        time.Duration(body.DurationSeconds) * time.Second,
		Safety:          body.SafetyLimits,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, h)
}

// RequireSessionToken пускает к /sessions/{id} только держателя токена этой сессии,
// выданного при InitializeSession. Пользователь в токене должен совпадать с владельцем сессии.
func (s *Server) RequireSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || s.deps.Sessions == nil {
			WriteJSON(w, http.StatusUnauthorized, ErrorBody{Error: "Unauthorized", Code: "session_token_required", Message: "session token required"})
			return
		}
		claims, err := s.deps.Sessions.VerifySession(authHeader)
		if err != nil {
			s.logger.Warn("session auth failure", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
			WriteJSON(w, http.StatusUnauthorized, ErrorBody{Error: "Unauthorized", Code: "invalid_session_token", Message: "invalid session token"})
			return
		}

		id := chi.URLParam(r, "id")
		if claims.SessionID != id {
			s.logger.Warn("session token used for another session",
				zap.String("trace_id", TraceID(r.Context())),
				zap.String("token_session", claims.SessionID),
				zap.String("session_id", id))
			WriteJSON(w, http.StatusForbidden, ErrorBody{Error: "Forbidden", Code: "session_mismatch", Message: "token does not belong to this session"})
			return
		}
		sess, err := s.deps.Devices.Session(id)
		if err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
		// AbuseGuard в ExecuteCommand проверяет владельца сессии, и это тот же пользователь
		if sess.UserID != claims.UserID {
			WriteJSON(w, http.StatusForbidden, ErrorBody{Error: "Forbidden", Code: "session_mismatch", Message: "token does not belong to this session"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), claims)))
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Devices.Sessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Devices.Session(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

type commandBody struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	cmd, err := device.DecodeCommand(body.Type, body.Parameters)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	exec, err := s.deps.Devices.ExecuteCommand(r.Context(), chi.URLParam(r, "id"), cmd, body.Priority)
	var df *device.DeviceFault
	switch {
	case err != nil && exec != nil && errors.As(err, &df):
		// попытка уже записана в историю сессии, клиенту нужен её executionId
		status, eb := classify(err)
		eb.Details = exec
		WriteJSON(w, status, eb)
		return
	case err != nil:
		WriteError(w, r, s.logger, err)
		return
	}
	// Команда дошла до устройства, но устройство её не выполнило: это результат, а не ошибка API
	WriteJSON(w, http.StatusOK, exec)
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Devices.EmergencyStop(r.Context(), chi.URLParam(r, "id"))
	var df *device.DeviceFault
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]any{"command": exec, "stopped": true})
	case exec == nil:
		WriteError(w, r, s.logger, err)
	case errors.As(err, &df):
		// команда не доставлена, сессия не тронута
		WriteJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "Service Unavailable", Code: "device_" + string(df.Code), Message: df.Error(), Details: exec})
	default:
		// устройство остановлено, эскроу не закрылся
		WriteJSON(w, http.StatusOK, map[string]any{"command": exec, "stopped": true, "escrowError": err.Error()})
	}
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Devices.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Devices.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Devices.Terminate(r.Context(), chi.URLParam(r, "id"), device.SessionCompleted)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// sessionEvents — поток событий сессии в формате text/event-stream.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Devices.Session(id); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "Internal Server Error", Code: "streaming_unsupported", Message: "streaming unsupported"})
		return
	}

	msgs, cancel := s.deps.Devices.Bus().Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to encode session event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Registry == nil {
		WriteJSON(w, http.StatusOK, []device.DeviceInfo{})
		return
	}
	WriteJSON(w, http.StatusOK, s.deps.Registry.List())
}

// deviceMessage — входящие сообщения устройства (статус, телеметрия, ошибки, аварии).
func (s *Server) deviceMessage(w http.ResponseWriter, r *http.Request) {
	var msg device.Message
	if err := decodeJSON(r, &msg); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	msg.DeviceID = chi.URLParam(r, "deviceID")
	if msg.SessionID == "" {
		WriteError(w, r, s.logger, badRequest("sessionId is required"))
		return
	}
	if err := s.deps.Devices.HandleDeviceMessage(r.Context(), msg); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

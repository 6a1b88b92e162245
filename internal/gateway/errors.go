package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
)

// ErrorBody — единый формат ошибок API.
type ErrorBody struct {
	Error     string     `json:"error"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
	Remaining *int       `json:"remainingRequests,omitempty"`
	Details   any        `json:"details,omitempty"`
}

// BadRequest — ошибка разбора запроса клиента.
type BadRequest struct {
	Message string
}

func (e *BadRequest) Error() string { return e.Message }

func badRequest(msg string) error { return &BadRequest{Message: msg} }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError переводит доменную ошибку в HTTP-статус и тело. Неизвестные ошибки — 500
// без деталей наружу.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, body := classify(err)
	if status == http.StatusTooManyRequests && body.ResetTime != nil {
		if wait := time.Until(*body.ResetTime); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error",
			zap.String("trace_id", TraceID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	WriteJSON(w, status, body)
}

func classify(err error) (int, ErrorBody) {
	var (
		br  *BadRequest
		ae  *intent.AuthorizationError
		hve *intent.HeaderValidationError
		rej *abuse.Rejection
		pe  *abuse.PauseError
		ee  *escrow.EscrowError
		sv  *device.SafetyViolation
		df  *device.DeviceFault
		se  *settlement.SettlementError
	)

	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, ErrorBody{Error: "Bad Request", Code: "bad_request", Message: br.Message}

	case errors.As(err, &ae):
		return http.StatusPaymentRequired, ErrorBody{Error: "Payment Required", Code: string(ae.Reason), Message: ae.Error()}
	case errors.As(err, &hve):
		return http.StatusBadRequest, ErrorBody{Error: "Bad Request", Code: "invalid_payment_header", Message: hve.Error(), Details: hve.Problems}
	case errors.Is(err, intent.ErrMalformedHeader):
		return http.StatusBadRequest, ErrorBody{Error: "Bad Request", Code: "invalid_payment_header", Message: err.Error()}
	case errors.Is(err, intent.ErrPaymentIDCollision):
		return http.StatusConflict, ErrorBody{Error: "Conflict", Code: "payment_id_collision", Message: err.Error()}

	case errors.As(err, &rej):
		reset := rej.ResetTime
		remaining := rej.Remaining
		body := ErrorBody{Code: string(rej.Code), Message: rej.Reason, ResetTime: &reset}
		switch rej.Code {
		case abuse.CodeRateLimited:
			body.Error, body.Remaining = "Too Many Requests", &remaining
			return http.StatusTooManyRequests, body
		case abuse.CodeEmergencyPaused:
			body.Error = "Service Unavailable"
			return http.StatusServiceUnavailable, body
		default:
			body.Error = "Forbidden"
			return http.StatusForbidden, body
		}
	case errors.As(err, &pe):
		body := ErrorBody{Error: "Conflict", Code: string(pe.Code), Message: pe.Message}
		if !pe.PauseUntil.IsZero() {
			until := pe.PauseUntil
			body.ResetTime = &until
		}
		switch pe.Code {
		case abuse.PauseErrUnauthorized, abuse.PauseErrDisabled:
			body.Error = "Forbidden"
			return http.StatusForbidden, body
		case abuse.PauseErrInvalidTrigger:
			body.Error = "Bad Request"
			return http.StatusBadRequest, body
		}
		return http.StatusConflict, body

	case errors.As(err, &ee):
		if ee.Code == escrow.CodeNotFound {
			return http.StatusNotFound, ErrorBody{Error: "Not Found", Code: string(ee.Code), Message: ee.Error()}
		}
		return http.StatusConflict, ErrorBody{Error: "Conflict", Code: string(ee.Code), Message: ee.Error()}
	case errors.Is(err, escrow.ErrTxNotFound):
		return http.StatusNotFound, ErrorBody{Error: "Not Found", Code: "transaction_not_found", Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidTxTransition):
		return http.StatusConflict, ErrorBody{Error: "Conflict", Code: "invalid_transition", Message: err.Error()}

	case errors.As(err, &sv):
		return http.StatusUnprocessableEntity, ErrorBody{Error: "Safety Violation", Code: string(sv.Code), Message: sv.Error(), Details: sv}
	case errors.As(err, &df):
		if df.Code == device.FaultBusy {
			return http.StatusConflict, ErrorBody{Error: "Conflict", Code: "device_" + string(df.Code), Message: df.Error()}
		}
		return http.StatusServiceUnavailable, ErrorBody{Error: "Service Unavailable", Code: "device_" + string(df.Code), Message: df.Error()}
	case errors.Is(err, device.ErrPaymentNotVerified):
		return http.StatusPaymentRequired, ErrorBody{Error: "Payment Required", Code: "payment_not_verified", Message: err.Error()}
	case errors.Is(err, device.ErrSessionNotFound), errors.Is(err, device.ErrDeviceNotFound):
		return http.StatusNotFound, ErrorBody{Error: "Not Found", Code: "not_found", Message: err.Error()}
	case errors.Is(err, device.ErrSessionNotActive), errors.Is(err, device.ErrSessionExpired),
		errors.Is(err, device.ErrSessionClosed), errors.Is(err, device.ErrSessionExists):
		return http.StatusConflict, ErrorBody{Error: "Conflict", Code: "session_state", Message: err.Error()}
	case errors.Is(err, device.ErrInvalidCommand), errors.Is(err, device.ErrUnknownCommand):
		return http.StatusUnprocessableEntity, ErrorBody{Error: "Unprocessable Entity", Code: "invalid_command", Message: err.Error()}

	case errors.As(err, &se):
		return settlementStatus(se), ErrorBody{Error: "Settlement Failed", Code: string(se.Reason), Message: se.Error()}
	case errors.Is(err, settlement.ErrAlreadyRedeemed):
		return http.StatusPaymentRequired, ErrorBody{Error: "Payment Required", Code: string(intent.ReasonReplayDetected), Message: err.Error()}
	case errors.Is(err, settlement.ErrIntentMismatch):
		return http.StatusPaymentRequired, ErrorBody{Error: "Payment Required", Code: "payment_mismatch", Message: err.Error()}
	case errors.Is(err, settlement.ErrSettlementNotFound), errors.Is(err, settlement.ErrNotSettled),
		errors.Is(err, settlement.ErrSignatureRequired), errors.Is(err, settlement.ErrIntentRequired),
		errors.Is(err, settlement.ErrInvalidUserSig):
		return http.StatusPaymentRequired, ErrorBody{Error: "Payment Required", Code: "payment_not_confirmed", Message: err.Error()}
	case errors.Is(err, settlement.ErrPaymentRequestAbsent):
		return http.StatusNotFound, ErrorBody{Error: "Not Found", Code: "payment_request_not_found", Message: err.Error()}
	case errors.Is(err, settlement.ErrPaymentBelowMinimum), errors.Is(err, settlement.ErrPaymentAboveMaximum),
		errors.Is(err, settlement.ErrNotGasless), errors.Is(err, settlement.ErrFacilitatorRequired),
		errors.Is(err, settlement.ErrGaslessDisabled), errors.Is(err, settlement.ErrSponsorshipExceeded):
		return http.StatusBadRequest, ErrorBody{Error: "Bad Request", Code: "invalid_payment", Message: err.Error()}
	case errors.Is(err, settlement.ErrIllegalTransition):
		return http.StatusConflict, ErrorBody{Error: "Conflict", Code: "illegal_transition", Message: err.Error()}
	}

	return http.StatusInternalServerError, ErrorBody{Error: "Internal Server Error", Code: "internal_error", Message: "internal error"}
}

func settlementStatus(se *settlement.SettlementError) int {
	switch se.Reason {
	case settlement.ReasonLedgerRejected:
		return http.StatusPaymentRequired
	case settlement.ReasonTimeout:
		return http.StatusGatewayTimeout
	case settlement.ReasonInsufficientBalance:
		return http.StatusServiceUnavailable
	case settlement.ReasonFacilitatorUnreachable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

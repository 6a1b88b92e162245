package abuse

import (
	"errors"
	"fmt"
	"time"
)

// Class — класс запроса, лимиты считаются отдельно по каждому.
type Class string

const (
	ClassPayment      Class = "payment"
	ClassRobotControl Class = "robot_control"
	ClassAPICall      Class = "api_call"
)

// System возвращает подсистему, на которую распространяется пауза.
func (c Class) System() string {
	switch c {
	case ClassPayment:
		return SystemPayments
	case ClassRobotControl:
		return SystemRobotControl
	default:
		return SystemAPI
	}
}

const (
	SystemPayments     = "payments"
	SystemRobotControl = "robot_control"
	SystemIoTDevices   = "iot_devices"
	SystemAPI          = "api"
)

type Code string

const (
	CodeBlacklisted     Code = "blacklisted"
	CodeAccessDenied    Code = "access_denied"
	CodeEmergencyPaused Code = "emergency_paused"
	CodeRateLimited     Code = "rate_limited"
)

// Стабильные строки причин: клиенты сравнивают их как есть.
const (
	ReasonBlacklisted     = "User is blacklisted"
	ReasonNotWhitelisted  = "User not in whitelist"
	ReasonKYCRequired     = "KYC verification required"
	ReasonEmergencyPaused = "System is in emergency pause mode"
	ReasonBurst           = "Burst limit exceeded"
	ReasonPerMinute       = "Per-minute limit exceeded"
	ReasonPerHour         = "Per-hour limit exceeded"
	ReasonCooldown        = "Cooldown period active"
)

type Decision struct {
	Allowed   bool      `json:"allowed"`
	Code      Code      `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ResetTime time.Time `json:"resetTime"`
	Remaining int       `json:"remainingRequests"`
}

// Err возвращает nil для разрешённого запроса.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &Rejection{Code: d.Code, Reason: d.Reason, ResetTime: d.ResetTime, Remaining: d.Remaining}
}

func deny(code Code, reason string, reset time.Time) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason, ResetTime: reset}
}

// Rejection — отказ AbuseGuard. Всегда несёт время сброса, чтобы клиент мог отступить.
type Rejection struct {
	Code      Code
	Reason    string
	ResetTime time.Time
	Remaining int
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("%s: %s (reset at %s)", e.Code, e.Reason, e.ResetTime.UTC().Format(time.RFC3339))
}

func (e *Rejection) Is(target error) bool {
	var t *Rejection
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBlacklisted     = &Rejection{Code: CodeBlacklisted}
	ErrAccessDenied    = &Rejection{Code: CodeAccessDenied}
	ErrEmergencyPaused = &Rejection{Code: CodeEmergencyPaused}
	ErrRateLimited     = &Rejection{Code: CodeRateLimited}
)

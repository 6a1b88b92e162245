package device

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotVerified = errors.New("payment not verified for device control")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionClosed      = errors.New("session already closed")
	ErrSessionExists      = errors.New("session already exists")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrDeviceNotFound     = errors.New("device not registered")
)

type FaultCode string

const (
	FaultOffline    FaultCode = "offline"
	FaultBusy       FaultCode = "busy"
	FaultErrorState FaultCode = "error_state"
)

// DeviceFault — устройство недоступно для сессии или команды.
type DeviceFault struct {
	Code     FaultCode
	DeviceID string
	Detail   string
}

func (e *DeviceFault) Error() string {
	msg := fmt.Sprintf("device %s: %s", e.DeviceID, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DeviceFault) Is(target error) bool {
	var t *DeviceFault
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrDeviceOffline    = &DeviceFault{Code: FaultOffline}
	ErrDeviceBusy       = &DeviceFault{Code: FaultBusy}
	ErrDeviceErrorState = &DeviceFault{Code: FaultErrorState}
)

func fault(code FaultCode, deviceID, detail string) *DeviceFault {
	return &DeviceFault{Code: code, DeviceID: deviceID, Detail: detail}
}

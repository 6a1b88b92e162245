package audit

import (
	"context"

	"github.com/xela07ax/x402-paygate/internal/device"
)

// FollowDevices переносит события шины сессий в журнал, пока не закроется канал или ctx.
// Телеметрия не журналируется: её поток слишком плотный.
func FollowDevices(ctx context.Context, a Auditor, msgs <-chan device.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if ev, keep := deviceEvent(msg); keep {
				a.Log(ev)
			}
		}
	}
}

func deviceEvent(msg device.Message) (Event, bool) {
	ev := Event{
		Kind:      KindDevice,
		Actor:     msg.DeviceID,
		Resource:  msg.SessionID,
		Action:    string(msg.Type),
		Payload:   msg.Data,
		Status:    StatusOK,
		Timestamp: msg.Timestamp,
	}
	switch msg.Type {
	case device.MsgTelemetry, device.MsgStatusUpdate:
		return ev, false
	case device.MsgCommand:
		if ok, _ := msg.Data["success"].(bool); !ok {
			ev.Status = StatusFailed
		}
	case device.MsgError, device.MsgEmergency:
		ev.Status = StatusFailed
	}
	return ev, true
}

package device

import (
	"errors"
	"fmt"
)

// Range — допустимый отрезок [min, max] по оси.
type Range [2]float64

type Boundaries struct {
	X *Range `json:"x,omitempty"`
	Y *Range `json:"y,omitempty"`
	Z *Range `json:"z,omitempty"`
}

type SafetyLimits struct {
	MaxSpeed            float64    `json:"maxSpeed" mapstructure:"max_speed"`
	MaxForce            float64    `json:"maxForce" mapstructure:"max_force"`
	Boundaries          Boundaries `json:"boundaries" mapstructure:"-"`
	EmergencyConditions []string   `json:"emergencyConditions,omitempty" mapstructure:"emergency_conditions"`
}

func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{MaxSpeed: 100, MaxForce: 50}
}

// merge: пустые поля берутся из базы.
func (l SafetyLimits) merge(base SafetyLimits) SafetyLimits {
	if l.MaxSpeed <= 0 {
		l.MaxSpeed = base.MaxSpeed
	}
	if l.MaxForce <= 0 {
		l.MaxForce = base.MaxForce
	}
	if l.Boundaries.X == nil {
		l.Boundaries.X = base.Boundaries.X
	}
	if l.Boundaries.Y == nil {
		l.Boundaries.Y = base.Boundaries.Y
	}
	if l.Boundaries.Z == nil {
		l.Boundaries.Z = base.Boundaries.Z
	}
	if l.EmergencyConditions == nil {
		l.EmergencyConditions = base.EmergencyConditions
	}
	return l
}

const (
	ConditionHighSpeed         = "high_speed"
	ConditionDangerousPosition = "dangerous_position"

	highSpeedThreshold = 100
)

type ViolationCode string

const (
	ViolationOutOfBounds ViolationCode = "out_of_bounds"
	ViolationSpeed       ViolationCode = "exceeds_speed_limit"
	ViolationForce       ViolationCode = "exceeds_force_limit"
	ViolationEmergency   ViolationCode = "emergency_condition"
)

// SafetyViolation — команда отклонена до отправки, сессия остаётся активной.
type SafetyViolation struct {
	Code      ViolationCode `json:"code"`
	Field     string        `json:"field,omitempty"`
	Limit     float64       `json:"limit"`
	Value     float64       `json:"value"`
	Condition string        `json:"condition,omitempty"`
}

func (e *SafetyViolation) Error() string {
	switch e.Code {
	case ViolationOutOfBounds:
		return fmt.Sprintf("%s coordinate %g outside boundary %g", e.Field, e.Value, e.Limit)
	case ViolationEmergency:
		return "emergency condition triggered: " + e.Condition
	default:
		return fmt.Sprintf("command %s %g exceeds maximum %g", e.Field, e.Value, e.Limit)
	}
}

func (e *SafetyViolation) Is(target error) bool {
	var t *SafetyViolation
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrOutOfBounds        = &SafetyViolation{Code: ViolationOutOfBounds}
	ErrExceedsSpeedLimit  = &SafetyViolation{Code: ViolationSpeed}
	ErrExceedsForceLimit  = &SafetyViolation{Code: ViolationForce}
	ErrEmergencyCondition = &SafetyViolation{Code: ViolationEmergency}
)

// CheckSafety: скорость, сила, границы, затем аварийные условия.
// Аварийная остановка проверки не проходит никогда.
func CheckSafety(cmd Command, limits SafetyLimits) error {
	var (
		speed, force float64
		pos          *Move
	)
	switch c := cmd.(type) {
	case EmergencyStop:
		return nil
	case Move:
		speed = c.Speed
		pos = &c
	case Rotate:
		speed = c.Speed
	case Activate:
		force = c.Force
	}

	if limits.MaxSpeed > 0 && speed > limits.MaxSpeed {
		return &SafetyViolation{Code: ViolationSpeed, Field: "speed", Limit: limits.MaxSpeed, Value: speed}
	}
	if limits.MaxForce > 0 && force > limits.MaxForce {
		return &SafetyViolation{Code: ViolationForce, Field: "force", Limit: limits.MaxForce, Value: force}
	}

	if pos != nil {
		axes := []struct {
			name string
			v    float64
			r    *Range
		}{{"x", pos.X, limits.Boundaries.X}, {"y", pos.Y, limits.Boundaries.Y}, {"z", pos.Z, limits.Boundaries.Z}}
		for _, a := range axes {
			if a.r == nil {
				continue
			}
			if a.v < a.r[0] {
				return &SafetyViolation{Code: ViolationOutOfBounds, Field: a.name, Limit: a.r[0], Value: a.v}
			}
			if a.v > a.r[1] {
				return &SafetyViolation{Code: ViolationOutOfBounds, Field: a.name, Limit: a.r[1], Value: a.v}
			}
		}
	}

	for _, cond := range limits.EmergencyConditions {
		switch cond {
		case ConditionHighSpeed:
			if speed > highSpeedThreshold {
				return &SafetyViolation{Code: ViolationEmergency, Field: "speed", Limit: highSpeedThreshold, Value: speed, Condition: cond}
			}
		case ConditionDangerousPosition:
			if pos != nil && (pos.X < 0 || pos.Y < 0) {
				return &SafetyViolation{Code: ViolationEmergency, Field: "position", Value: min(pos.X, pos.Y), Condition: cond}
			}
		}
	}
	return nil
}

// Setpoints — уставки исполнительных механизмов устройства.
type Setpoints struct {
	Speed     float64 `json:"speed"`
	Flow      float64 `json:"flow"`
	Force     float64 `json:"force"`
	HeatersOn bool    `json:"heatersOn"`
}

// SafeBaseline — куда аварийная остановка приводит любое устройство.
func SafeBaseline() Setpoints {
	return Setpoints{}
}

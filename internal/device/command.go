package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

type Kind string

const (
	KindMove          Kind = "move"
	KindRotate        Kind = "rotate"
	KindActivate      Kind = "activate"
	KindDeactivate    Kind = "deactivate"
	KindConfigure     Kind = "configure"
	KindStatus        Kind = "status"
	KindEmergencyStop Kind = "emergency_stop"
)

// Command — закрытое множество команд устройству.
type Command interface {
	Kind() Kind
	isCommand()
}

type Move struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Speed float64 `json:"speed"`
}

type Rotate struct {
	Angle float64 `json:"angle"`
	Speed float64 `json:"speed"`
}

type Activate struct {
	Actuator string  `json:"actuator"`
	Force    float64 `json:"force"`
}

type Deactivate struct {
	Actuator string `json:"actuator"`
}

type Configure struct {
	Settings map[string]string `json:"settings"`
}

type Status struct{}

type EmergencyStop struct{}

func (Move) Kind() Kind          { return KindMove }
func (Rotate) Kind() Kind        { return KindRotate }
func (Activate) Kind() Kind      { return KindActivate }
func (Deactivate) Kind() Kind    { return KindDeactivate }
func (Configure) Kind() Kind     { return KindConfigure }
func (Status) Kind() Kind        { return KindStatus }
func (EmergencyStop) Kind() Kind { return KindEmergencyStop }

func (Move) isCommand()          {}
func (Rotate) isCommand()        {}
func (Activate) isCommand()      {}
func (Deactivate) isCommand()    {}
func (Configure) isCommand()     {}
func (Status) isCommand()        {}
func (EmergencyStop) isCommand() {}

// Приоритеты: обычные команды 1, аварийная остановка всегда 10.
const (
	DefaultPriority   = 1
	EmergencyPriority = 10
)

// DecodeCommand разбирает параметры команды на границе и проверяет схему.
// Лишние поля считаются ошибкой.
func DecodeCommand(kind string, raw json.RawMessage) (Command, error) {
	var cmd Command
	switch Kind(kind) {
	case KindMove:
		var c Move
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if err := finite("x", c.X, "y", c.Y, "z", c.Z, "speed", c.Speed); err != nil {
			return nil, err
		}
		if c.Speed < 0 {
			return nil, fmt.Errorf("%w: speed must be non-negative", ErrInvalidCommand)
		}
		cmd = c
	case KindRotate:
		var c Rotate
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if err := finite("angle", c.Angle, "speed", c.Speed); err != nil {
			return nil, err
		}
		if c.Speed < 0 {
			return nil, fmt.Errorf("%w: speed must be non-negative", ErrInvalidCommand)
		}
		cmd = c
	case KindActivate:
		var c Activate
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if c.Actuator == "" {
			return nil, fmt.Errorf("%w: actuator is required", ErrInvalidCommand)
		}
		if err := finite("force", c.Force); err != nil {
			return nil, err
		}
		if c.Force < 0 {
			return nil, fmt.Errorf("%w: force must be non-negative", ErrInvalidCommand)
		}
		cmd = c
	case KindDeactivate:
		var c Deactivate
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if c.Actuator == "" {
			return nil, fmt.Errorf("%w: actuator is required", ErrInvalidCommand)
		}
		cmd = c
	case KindConfigure:
		var c Configure
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if len(c.Settings) == 0 {
			return nil, fmt.Errorf("%w: settings are required", ErrInvalidCommand)
		}
		cmd = c
	case KindStatus:
		var c Status
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	case KindEmergencyStop:
		var c EmergencyStop
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
	return cmd, nil
}

func strictDecode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

// finite принимает пары имя/значение.
func finite(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		v := pairs[i+1].(float64)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidCommand, pairs[i])
		}
	}
	return nil
}

// EncodeCommand — обратная сторона DecodeCommand: {"type": ..., "parameters": ...}.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind    `json:"type"`
		Parameters Command `json:"parameters"`
	}{cmd.Kind(), cmd})
}

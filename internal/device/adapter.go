package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/xela07ax/x402-paygate/internal/metrics"
)

// Result — ответ устройства. Success=false значит устройство ответило отказом,
// транспортный сбой возвращается ошибкой Dispatch.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Adapter — канал к физическому или виртуальному устройству.
type Adapter interface {
	Dispatch(ctx context.Context, deviceID string, cmd Command) (Result, error)
	Disconnect(ctx context.Context, deviceID, sessionID, reason string) error
}

var ErrUnreachable = errors.New("device unreachable")

// DeviceState — состояние, которое ведёт Simulator.
type DeviceState struct {
	Position  [3]float64         `json:"position"`
	Heading   float64            `json:"heading"`
	Setpoints Setpoints          `json:"setpoints"`
	Actuators map[string]float64 `json:"actuators"`
	Settings  map[string]string  `json:"settings"`
}

// Simulator — Adapter без железа: задержка 20–80мс и заданная надёжность.
// Аварийная остановка проходит всегда, если устройство на связи.
type Simulator struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Reliability float64

	mu      sync.Mutex
	states  map[string]*DeviceState
	offline map[string]bool
}

func NewSimulator(reliability float64) *Simulator {
	if reliability <= 0 || reliability > 1 {
		reliability = 0.99
	}
	return &Simulator{
		MinLatency:  20 * time.Millisecond,
		MaxLatency:  80 * time.Millisecond,
		Reliability: reliability,
		states:      make(map[string]*DeviceState),
		offline:     make(map[string]bool),
	}
}

func (s *Simulator) SetOffline(deviceID string, offline bool) {
	s.mu.Lock()
	s.offline[deviceID] = offline
	s.mu.Unlock()
}

func (s *Simulator) State(deviceID string) DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(deviceID)
	out := *st
	out.Actuators = make(map[string]float64, len(st.Actuators))
	for k, v := range st.Actuators {
		out.Actuators[k] = v
	}
	out.Settings = make(map[string]string, len(st.Settings))
	for k, v := range st.Settings {
		out.Settings[k] = v
	}
	return out
}

func (s *Simulator) stateLocked(id string) *DeviceState {
	st, ok := s.states[id]
	if !ok {
		st = &DeviceState{Actuators: map[string]float64{}, Settings: map[string]string{}}
		s.states[id] = st
	}
	return st
}

func (s *Simulator) Dispatch(ctx context.Context, deviceID string, cmd Command) (Result, error) {
	if err := s.wait(ctx); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline[deviceID] {
		return Result{}, fmt.Errorf("%w: %s", ErrUnreachable, deviceID)
	}
	st := s.stateLocked(deviceID)

	if _, ok := cmd.(EmergencyStop); ok {
		st.Setpoints = SafeBaseline()
		for k := range st.Actuators {
			st.Actuators[k] = 0
		}
		return Result{Success: true, Data: map[string]any{"setpoints": st.Setpoints}}, nil
	}

	if rand.Float64() >= s.Reliability {
		return Result{Success: false, Error: "command execution failed"}, nil
	}

	switch c := cmd.(type) {
	case Move:
		st.Position = [3]float64{c.X, c.Y, c.Z}
		st.Setpoints.Speed = c.Speed
	case Rotate:
		st.Heading = c.Angle
		st.Setpoints.Speed = c.Speed
	case Activate:
		st.Actuators[c.Actuator] = c.Force
		st.Setpoints.Force = c.Force
	case Deactivate:
		delete(st.Actuators, c.Actuator)
	case Configure:
		for k, v := range c.Settings {
			st.Settings[k] = v
		}
	}
	return Result{Success: true, Data: map[string]any{"position": st.Position, "heading": st.Heading}}, nil
}

func (s *Simulator) Disconnect(context.Context, string, string, string) error { return nil }

func (s *Simulator) wait(ctx context.Context) error {
	d := s.MinLatency
	if span := s.MaxLatency - s.MinLatency; span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerAdapter ставит предохранитель на каждое устройство.
// Аварийная остановка идёт мимо предохранителя: её пробуем всегда.
type BreakerAdapter struct {
	next     Adapter
	settings gobreaker.Settings
	metrics  *metrics.Metrics
	breakers sync.Map
}

func NewBreakerAdapter(next Adapter, maxRequests uint32, interval, timeout time.Duration, m *metrics.Metrics) *BreakerAdapter {
	if m == nil {
		m = metrics.New(nil)
	}
	return &BreakerAdapter{
		next:    next,
		metrics: m,
		settings: gobreaker.Settings{
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		},
	}
}

func (b *BreakerAdapter) breaker(deviceID string) *gobreaker.CircuitBreaker {
	if cb, ok := b.breakers.Load(deviceID); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	s := b.settings
	s.Name = "device:" + deviceID
	gauge := b.metrics.CircuitBreakerState.WithLabelValues(s.Name)
	s.OnStateChange = func(_ string, _ gobreaker.State, to gobreaker.State) {
		if to == gobreaker.StateOpen {
			gauge.Set(1)
		} else {
			gauge.Set(0)
		}
	}
	cb, _ := b.breakers.LoadOrStore(deviceID, gobreaker.NewCircuitBreaker(s))
	return cb.(*gobreaker.CircuitBreaker)
}

func (b *BreakerAdapter) Dispatch(ctx context.Context, deviceID string, cmd Command) (Result, error) {
	if _, ok := cmd.(EmergencyStop); ok {
		return b.next.Dispatch(ctx, deviceID, cmd)
	}
	out, err := b.breaker(deviceID).Execute(func() (interface{}, error) {
		return b.next.Dispatch(ctx, deviceID, cmd)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, deviceID, err)
		}
		return Result{}, err
	}
	return out.(Result), nil
}

func (b *BreakerAdapter) Disconnect(ctx context.Context, deviceID, sessionID, reason string) error {
	return b.next.Disconnect(ctx, deviceID, sessionID, reason)
}

// payloadSize — оценка объёма для метрики dataTransferred.
func payloadSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

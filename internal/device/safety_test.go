package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSafety(t *testing.T) {
	limits := SafetyLimits{
		MaxSpeed: 50,
		MaxForce: 10,
		Boundaries: Boundaries{
			X: &Range{-10, 10},
			Z: &Range{0, 5},
		},
	}

	tests := []struct {
		name    string
		cmd     Command
		limits  SafetyLimits
		wantErr error
	}{
		{"within limits", Move{X: 1, Y: 100, Z: 2, Speed: 50}, limits, nil},
		{"speed over max", Move{Speed: 51}, limits, ErrExceedsSpeedLimit},
		{"rotate speed over max", Rotate{Speed: 60}, limits, ErrExceedsSpeedLimit},
		{"force over max", Activate{Actuator: "a", Force: 11}, limits, ErrExceedsForceLimit},
		{"x out of bounds", Move{X: 11, Z: 1}, limits, ErrOutOfBounds},
		{"z below bounds", Move{Z: -1}, limits, ErrOutOfBounds},
		{"y has no bounds", Move{Y: -1e6, Z: 1}, limits, nil},
		{"speed checked before bounds", Move{X: 99, Speed: 99}, limits, ErrExceedsSpeedLimit},
		{"emergency stop always passes", EmergencyStop{}, SafetyLimits{MaxSpeed: 0.1}, nil},
		{"status carries nothing to check", Status{}, limits, nil},
		{
			"dangerous position",
			Move{X: -1, Y: 2},
			SafetyLimits{MaxSpeed: 100, EmergencyConditions: []string{ConditionDangerousPosition}},
			ErrEmergencyCondition,
		},
		{
			"high speed condition",
			Rotate{Speed: 120},
			SafetyLimits{EmergencyConditions: []string{ConditionHighSpeed}},
			ErrEmergencyCondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSafety(tt.cmd, tt.limits)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckSafety_ViolationDetails(t *testing.T) {
	err := CheckSafety(Move{X: 12}, SafetyLimits{Boundaries: Boundaries{X: &Range{0, 10}}})

	var v *SafetyViolation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "x", v.Field)
	assert.Equal(t, 10.0, v.Limit)
	assert.Equal(t, 12.0, v.Value)
}

func TestSafetyLimits_Merge(t *testing.T) {
	got := SafetyLimits{MaxForce: 5}.merge(DefaultSafetyLimits())
	assert.Equal(t, 100.0, got.MaxSpeed)
	assert.Equal(t, 5.0, got.MaxForce)
}

func TestRegistry_AcquireRelease(t *testing.T) {
	r := NewRegistry(
		DeviceInfo{ID: "arm-1", Type: "robot_arm"},
		DeviceInfo{ID: "arm-2", Status: DeviceOffline},
		DeviceInfo{ID: "arm-3", Status: DeviceError},
	)

	_, err := r.Acquire("arm-1")
	require.NoError(t, err)
	d, _ := r.Get("arm-1")
	assert.Equal(t, DeviceBusy, d.Status)

	_, err = r.Acquire("arm-1")
	assert.ErrorIs(t, err, ErrDeviceBusy)
	_, err = r.Acquire("arm-2")
	assert.ErrorIs(t, err, ErrDeviceOffline)
	_, err = r.Acquire("arm-3")
	assert.ErrorIs(t, err, ErrDeviceErrorState)
	_, err = r.Acquire("ghost")
	assert.ErrorIs(t, err, ErrDeviceOffline)

	r.Release("arm-1")
	r.Release("arm-2")
	d, _ = r.Get("arm-1")
	assert.Equal(t, DeviceOnline, d.Status)
	d, _ = r.Get("arm-2")
	assert.Equal(t, DeviceOffline, d.Status)

	ids := []string{}
	for _, info := range r.List() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"arm-1", "arm-2", "arm-3"}, ids)
}

func TestBus_FiltersAndDrops(t *testing.T) {
	b := NewBus(1)
	all, cancelAll := b.Subscribe("")
	one, cancelOne := b.Subscribe("s1")
	defer cancelAll()

	b.Publish(Message{Type: MsgTelemetry, SessionID: "s1"})
	b.Publish(Message{Type: MsgTelemetry, SessionID: "s2"})

	msg := <-one
	assert.Equal(t, "s1", msg.SessionID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, "s1", (<-all).SessionID)
	// буфер all был полон на втором сообщении
	assert.Equal(t, int64(1), b.Dropped())

	cancelOne()
	cancelOne()
	_, open := <-one
	assert.False(t, open)
}

func TestSimulator_EmergencyStopResetsSetpoints(t *testing.T) {
	sim := NewSimulator(1)
	sim.MinLatency, sim.MaxLatency = 0, 0
	ctx := context.Background()

	_, err := sim.Dispatch(ctx, "arm-1", Activate{Actuator: "gripper", Force: 30})
	require.NoError(t, err)
	assert.Equal(t, 30.0, sim.State("arm-1").Setpoints.Force)

	res, err := sim.Dispatch(ctx, "arm-1", EmergencyStop{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	st := sim.State("arm-1")
	assert.Equal(t, SafeBaseline(), st.Setpoints)
	assert.Equal(t, 0.0, st.Actuators["gripper"])

	sim.SetOffline("arm-1", true)
	_, err = sim.Dispatch(ctx, "arm-1", Status{})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestBreakerAdapter_OpensAndLetsEmergencyThrough(t *testing.T) {
	sim := NewSimulator(1)
	sim.MinLatency, sim.MaxLatency = 0, 0
	sim.SetOffline("arm-1", true)
	b := NewBreakerAdapter(sim, 1, time.Minute, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Dispatch(ctx, "arm-1", Status{})
		require.Error(t, err)
	}

	sim.SetOffline("arm-1", false)
	_, err := b.Dispatch(ctx, "arm-1", Status{})
	assert.ErrorIs(t, err, ErrUnreachable)

	res, err := b.Dispatch(ctx, "arm-1", EmergencyStop{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// другое устройство со своим предохранителем
	_, err = b.Dispatch(ctx, "arm-2", Status{})
	assert.NoError(t, err)
}

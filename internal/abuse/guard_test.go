package abuse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/metrics"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, Class, time.Time) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

type staticKYC map[string]bool

func (k staticKYC) IsVerified(_ context.Context, identity string) (bool, error) {
	return k[identity], nil
}

type guardFixture struct {
	guard *Guard
	bl    *Blacklist
	pause *PauseController
	clk   *clock
	m     *metrics.Metrics
}

func newGuardFixture(t *testing.T, access AccessConfig, limiter Limiter, kyc KYCVerifier) guardFixture {
	t.Helper()
	clk := newClock()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	bl := NewBlacklist(nil, nil, logger)
	pause := NewPauseController(testPauseConfig(), nil, nil, logger).WithClock(clk.Now)
	risk := NewRiskScorer(bl, logger)
	g := NewGuard(GuardDeps{
		Access:    NewAccessControl(access, bl, kyc),
		Blacklist: bl,
		Pause:     pause,
		Limiter:   limiter,
		Risk:      risk,
	}, logger, m).WithClock(clk.Now)
	return guardFixture{guard: g, bl: bl, pause: pause, clk: clk, m: m}
}

func TestGuard_GateOrder(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{}, nil, nil)
	require.NoError(t, f.bl.Add(ctx, "mallory", "fraud"))
	rec, err := f.pause.Activate(ctx, ActivateRequest{Trigger: "security_breach", AuthorizedBy: admin1})
	require.NoError(t, err)

	d := f.guard.Check(ctx, "mallory", ClassPayment)
	assert.Equal(t, CodeBlacklisted, d.Code, "blacklist goes before pause")
	assert.Equal(t, ReasonBlacklisted, d.Reason)
	assert.Equal(t, f.clk.Now().Add(24*time.Hour), d.ResetTime)
	assert.ErrorIs(t, d.Err(), ErrBlacklisted)

	d = f.guard.Check(ctx, "alice", ClassPayment)
	assert.Equal(t, CodeEmergencyPaused, d.Code)
	assert.Equal(t, ReasonEmergencyPaused, d.Reason)
	assert.Equal(t, rec.Until(), d.ResetTime)

	// api не входит в подсистемы паузы
	d = f.guard.Check(ctx, "alice", ClassAPICall)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.AbuseRejections.WithLabelValues(string(CodeBlacklisted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.AbuseRejections.WithLabelValues(string(CodeEmergencyPaused))))
}

func TestGuard_RateLimitAfterBurst(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{}, nil, nil)

	for i := 0; i < 10; i++ {
		require.True(t, f.guard.Check(ctx, "alice", ClassRobotControl).Allowed)
	}
	d := f.guard.Check(ctx, "alice", ClassRobotControl)
	assert.Equal(t, CodeRateLimited, d.Code)
	assert.Equal(t, ReasonBurst, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrRateLimited)

	var rej *Rejection
	require.ErrorAs(t, d.Err(), &rej)
	assert.Equal(t, f.clk.Now().Add(time.Minute), rej.ResetTime)
}

func TestGuard_AccessControl(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{
		Blacklist:  []string{"static-bad"},
		Whitelist:  []string{"alice", "carol", "static-bad"},
		RequireKYC: true,
	}, nil, staticKYC{"alice": true})

	assert.Equal(t, ReasonBlacklisted, f.guard.Check(ctx, "static-bad", ClassPayment).Reason)
	assert.Equal(t, ReasonNotWhitelisted, f.guard.Check(ctx, "bob", ClassPayment).Reason)
	assert.Equal(t, ReasonKYCRequired, f.guard.Check(ctx, "carol", ClassPayment).Reason)
	assert.True(t, f.guard.Check(ctx, "alice", ClassPayment).Allowed)
}

func TestGuard_HighRiskCooldownAndCriticalBlock(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{}, nil, nil)

	var a Assessment
	for i := 0; i < 31; i++ {
		a = f.guard.RecordActivity(ctx, "eve", Activity{Endpoint: "/pay", Failed: true})
	}
	require.Equal(t, RiskHigh, a.Level)

	d := f.guard.Check(ctx, "eve", ClassPayment)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Equal(t, f.clk.Now().Add(300*time.Second), d.ResetTime)

	f.clk.Advance(301 * time.Second)
	assert.True(t, f.guard.Check(ctx, "eve", ClassPayment).Allowed)

	for i := 0; i < 70; i++ {
		a = f.guard.RecordActivity(ctx, "eve", Activity{Endpoint: "/pay", Failed: true})
	}
	require.Equal(t, RiskCritical, a.Level)
	assert.True(t, f.bl.Contains("eve"))
	assert.Equal(t, CodeBlacklisted, f.guard.Check(ctx, "eve", ClassPayment).Code)
}

func TestGuard_FallsBackWhenSharedLimiterDown(t *testing.T) {
	f := newGuardFixture(t, AccessConfig{}, brokenLimiter{}, nil)
	d := f.guard.Check(context.Background(), "alice", ClassPayment)
	assert.True(t, d.Allowed)
}

func TestGuard_SystemStatus(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{}, nil, nil)
	require.NoError(t, f.bl.Add(ctx, "mallory", "fraud"))
	f.guard.Check(ctx, "alice", ClassPayment)
	f.guard.Check(ctx, "alice", ClassAPICall)
	for i := 0; i < 10; i++ {
		f.guard.RecordActivity(ctx, "eve", Activity{Endpoint: "/x", Failed: true})
	}

	s := f.guard.SystemStatus(ctx)
	assert.False(t, s.EmergencyPauseActive)
	assert.Equal(t, 1, s.TotalBlacklistedUsers)
	assert.Equal(t, 2, s.TotalRateLimiters)
	assert.Equal(t, 1, s.ActiveSuspiciousUsers)
	assert.Equal(t, 1, s.TrackedIdentities)

	_, err := f.pause.Activate(ctx, ActivateRequest{Trigger: "hardware_failure", AuthorizedBy: admin1})
	require.NoError(t, err)
	s = f.guard.SystemStatus(ctx)
	assert.True(t, s.EmergencyPauseActive)
	require.NotNil(t, s.PauseUntil)
}

func TestGuard_PruneForgetsIdleRiskRecords(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t, AccessConfig{}, nil, nil)
	for i := range 5 {
		f.guard.RecordActivity(ctx, fmt.Sprintf("wallet-%d", i), Activity{Endpoint: "/x"})
	}
	require.Equal(t, 5, f.guard.SystemStatus(ctx).TrackedIdentities)

	f.clk.Advance(30 * time.Minute)
	f.guard.RecordActivity(ctx, "wallet-0", Activity{Endpoint: "/x"})
	f.clk.Advance(31 * time.Minute)
	assert.GreaterOrEqual(t, f.guard.PruneLimiters(), 4)
	assert.Equal(t, 1, f.guard.SystemStatus(ctx).TrackedIdentities)
}

// Package abuse — AbuseGuard: blacklist и контроль доступа, глобальная пауза,
// скользящие лимиты и оценка риска. Каждая привилегированная операция проходит
// гейты в фиксированном порядке.
package abuse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/metrics"
)

const blacklistReset = 24 * time.Hour

type GuardDeps struct {
	Access    *AccessControl
	Blacklist *Blacklist
	Pause     *PauseController
	Limiter   Limiter
	Risk      *RiskScorer
	Limits    Limits
}

type Guard struct {
	access    *AccessControl
	blacklist *Blacklist
	pause     *PauseController
	limiter   Limiter
	fallback  *MemoryLimiter
	risk      *RiskScorer
	limits    Limits
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	cmu       sync.Mutex
	cooldowns map[string]time.Time
}

// NewGuard: Limiter может быть nil, тогда работает только локальный MemoryLimiter.
// Он же подхватывает запросы, если общий лимитер недоступен.
func NewGuard(deps GuardDeps, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if m == nil {
		m = metrics.New(nil)
	}
	fallback := NewMemoryLimiter(deps.Limits)
	limiter := deps.Limiter
	if limiter == nil {
		limiter = fallback
	}
	return &Guard{
		access:    deps.Access,
		blacklist: deps.Blacklist,
		pause:     deps.Pause,
		limiter:   limiter,
		fallback:  fallback,
		risk:      deps.Risk,
		limits:    deps.Limits,
		metrics:   m,
		logger:    logger.Named("abuse-guard"),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Check: доступ, пауза, cooldown, лимит. Первый отказ побеждает.
func (g *Guard) Check(ctx context.Context, identity string, class Class) Decision {
	now := g.now()

	if d, denied := g.checkAccess(ctx, identity, now); denied {
		return g.reject(identity, class, d)
	}

	if g.pause != nil {
		pd := g.pause.CheckOperationAllowed(ctx, string(class), class.System(), identity)
		if !pd.Allowed {
			return g.reject(identity, class, deny(CodeEmergencyPaused, ReasonEmergencyPaused, pd.PauseUntil))
		}
	}

	g.cmu.Lock()
	until, cooling := g.cooldowns[identity]
	if cooling && !now.Before(until) {
		delete(g.cooldowns, identity)
		cooling = false
	}
	g.cmu.Unlock()
	if cooling {
		return g.reject(identity, class, deny(CodeRateLimited, ReasonCooldown, until))
	}

	d, err := g.limiter.Allow(ctx, identity, class, now)
	if err != nil {
		g.logger.Warn("shared limiter unavailable, using local window", zap.Error(err))
		d, _ = g.fallback.Allow(ctx, identity, class, now)
	}
	if !d.Allowed {
		return g.reject(identity, class, d)
	}
	return d
}

func (g *Guard) checkAccess(ctx context.Context, identity string, now time.Time) (Decision, bool) {
	if g.access == nil {
		if g.blacklist != nil && g.blacklist.Contains(identity) {
			return deny(CodeBlacklisted, ReasonBlacklisted, now.Add(blacklistReset)), true
		}
		return Decision{}, false
	}
	ad, err := g.access.Check(ctx, identity)
	if err != nil {
		g.logger.Error("access check failed", zap.String("identity", identity), zap.Error(err))
		return deny(CodeAccessDenied, ReasonKYCRequired, now.Add(g.limits.For(ClassAPICall).Cooldown)), true
	}
	if !ad.Allowed {
		return deny(ad.Code, ad.Reason, now.Add(blacklistReset)), true
	}
	return Decision{}, false
}

func (g *Guard) reject(identity string, class Class, d Decision) Decision {
	g.metrics.AbuseRejections.WithLabelValues(string(d.Code)).Inc()
	g.logger.Warn("request rejected",
		zap.String("identity", identity),
		zap.String("class", string(class)),
		zap.String("code", string(d.Code)),
		zap.String("reason", d.Reason),
		zap.Time("reset", d.ResetTime))
	return d
}

// RecordActivity передаёт активность в RiskScorer. На high включается cooldown,
// critical блокирует identity через Blacklister.
func (g *Guard) RecordActivity(ctx context.Context, identity string, act Activity) Assessment {
	if g.risk == nil {
		return assess(0)
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = g.now()
	}
	a := g.risk.Record(ctx, identity, act)
	if a.Level == RiskHigh {
		until := act.Timestamp.Add(g.limits.Default.withDefaults().Cooldown)
		g.cmu.Lock()
		g.cooldowns[identity] = until
		g.cmu.Unlock()
		g.logger.Info("identity in cooldown", zap.String("identity", identity), zap.Int("score", a.Score), zap.Time("until", until))
	}
	return a
}

type SystemStatus struct {
	EmergencyPauseActive  bool         `json:"emergencyPauseActive"`
	Pause                 *PauseRecord `json:"pause,omitempty"`
	PauseUntil            *time.Time   `json:"pauseUntil,omitempty"`
	TotalBlacklistedUsers int          `json:"totalBlacklistedUsers"`
	ActiveSuspiciousUsers int          `json:"activeSuspiciousUsers"`
	TotalRateLimiters     int          `json:"totalRateLimiters"`
	TrackedIdentities     int          `json:"trackedIdentities"`
}

func (g *Guard) SystemStatus(ctx context.Context) SystemStatus {
	var s SystemStatus
	if g.pause != nil {
		if rec, ok := g.pause.Active(ctx); ok {
			until := rec.Until()
			s.EmergencyPauseActive = true
			s.Pause = &rec
			s.PauseUntil = &until
		}
	}
	if g.blacklist != nil {
		s.TotalBlacklistedUsers = g.blacklist.Count()
	}
	if g.risk != nil {
		s.ActiveSuspiciousUsers = g.risk.SuspiciousCount()
		s.TrackedIdentities = g.risk.Tracked()
	}
	if l, ok := g.limiter.(interface{ Len() int }); ok {
		s.TotalRateLimiters = l.Len()
	} else {
		s.TotalRateLimiters = g.fallback.Len()
	}
	return s
}

// PruneLimiters чистит локальные окна и риск-записи без запросов за последний час.
func (g *Guard) PruneLimiters() int {
	now := g.now()
	n := g.fallback.Prune(now)
	if m, ok := g.limiter.(*MemoryLimiter); ok && m != g.fallback {
		n += m.Prune(now)
	}
	if g.risk != nil {
		n += g.risk.Prune(now)
	}
	g.cmu.Lock()
	for id, until := range g.cooldowns {
		if !now.Before(until) {
			delete(g.cooldowns, id)
		}
	}
	g.cmu.Unlock()
	return n
}

package abuse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HighValueThreshold — крупная транзакция в минимальных единицах (1 USDC).
const HighValueThreshold int64 = 1_000_000

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Failed    bool      `json:"failed"`
	Amount    int64     `json:"transactionAmount,omitempty"`
	Location  string    `json:"location,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

type Assessment struct {
	Score        int       `json:"riskScore"`
	Level        RiskLevel `json:"riskLevel"`
	Actions      []string  `json:"actions"`
	IsSuspicious bool      `json:"isSuspicious"`
	ShouldBlock  bool      `json:"shouldBlock"`
}

// Blacklister — то, куда уходит автоматическая блокировка при critical.
type Blacklister interface {
	Block(ctx context.Context, identity, reason string) error
}

type riskRecord struct {
	activities []Activity
	score      int
	firstSeen  time.Time
	lastSeen   time.Time
}

// RiskScorer копит активность по identity за скользящий час и считает балл 0..100.
type RiskScorer struct {
	mu        sync.Mutex
	records   map[string]*riskRecord
	blacklist Blacklister
	logger    *zap.Logger
}

func NewRiskScorer(blacklist Blacklister, logger *zap.Logger) *RiskScorer {
	return &RiskScorer{
		records:   make(map[string]*riskRecord),
		blacklist: blacklist,
		logger:    logger.With(zap.String("mod", "risk")),
	}
}

func (r *RiskScorer) Record(ctx context.Context, identity string, act Activity) Assessment {
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now()
	}

	r.mu.Lock()
	rec, ok := r.records[identity]
	if !ok {
		rec = &riskRecord{firstSeen: act.Timestamp}
		r.records[identity] = rec
	}
	rec.activities = append(trimActivities(rec.activities, act.Timestamp), act)
	rec.lastSeen = act.Timestamp
	rec.score = scoreActivities(rec.activities, act.Timestamp)
	a := assess(rec.score)
	r.mu.Unlock()

	if a.ShouldBlock && r.blacklist != nil {
		if err := r.blacklist.Block(ctx, identity, "risk score critical"); err != nil {
			r.logger.Error("auto-blacklist failed", zap.String("identity", identity), zap.Error(err))
		} else {
			r.logger.Warn("identity auto-blacklisted", zap.String("identity", identity), zap.Int("score", a.Score))
		}
	}
	return a
}

// Score пересчитывает балл на момент now без записи новой активности.
func (r *RiskScorer) Score(identity string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[identity]
	if !ok {
		return 0
	}
	return scoreActivities(rec.activities, now)
}

// SuspiciousCount — identity с последним баллом выше 30.
func (r *RiskScorer) SuspiciousCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.score > 30 {
			n++
		}
	}
	return n
}

// Prune забывает identity без активности за последний час.
func (r *RiskScorer) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if now.Sub(rec.lastSeen) >= hourWindow {
			delete(r.records, id)
			n++
		}
	}
	return n
}

func (r *RiskScorer) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func assess(score int) Assessment {
	a := Assessment{Score: score, IsSuspicious: score > 30}
	switch {
	case score >= 90:
		a.Level = RiskCritical
		a.Actions = []string{"immediate_block", "alert_admin", "log_incident"}
		a.ShouldBlock = true
	case score >= 70:
		a.Level = RiskHigh
		a.Actions = []string{"enhanced_monitoring", "require_verification", "limit_transactions"}
	case score >= 40:
		a.Level = RiskMedium
		a.Actions = []string{"increased_monitoring", "log_activity"}
	default:
		a.Level = RiskLow
		a.Actions = []string{"normal_monitoring"}
	}
	return a
}

func trimActivities(acts []Activity, now time.Time) []Activity {
	i := 0
	for i < len(acts) && now.Sub(acts[i].Timestamp) >= hourWindow {
		i++
	}
	return acts[i:]
}

func scoreActivities(acts []Activity, now time.Time) int {
	var (
		total, failed, large int
		endpoints            = make(map[string]struct{})
		locations            = make(map[string]struct{})
	)
	for _, a := range acts {
		if now.Sub(a.Timestamp) >= hourWindow {
			continue
		}
		total++
		if a.Failed {
			failed++
		}
		if a.Amount > HighValueThreshold {
			large++
		}
		endpoints[a.Endpoint] = struct{}{}
		if a.Location != "" {
			locations[a.Location] = struct{}{}
		}
	}

	score := 0
	switch {
	case total > 100:
		score += 30
	case total > 50:
		score += 20
	case total > 20:
		score += 10
	}

	if total > 0 {
		rate := float64(failed) / float64(total)
		switch {
		case rate > 0.8:
			score += 40
		case rate > 0.5:
			score += 25
		case rate > 0.3:
			score += 15
		}
	}

	if len(endpoints) == 1 && total > 30 {
		score += 20
	}
	if large > 10 {
		score += 25
	}
	if len(locations) > 5 {
		score += 15
	}
	return min(score, 100)
}

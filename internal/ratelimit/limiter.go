// Package ratelimit admits or rejects inbound operations before any other
// work happens on the write path. Budgets are asymmetric: the caller's role,
// the endpoint class and the reported system load all scale the base rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zenamanage/writepath/internal/auth"
	"go.uber.org/zap"
)

const keyPrefix = "ratelimit:"

// Decision is the admission outcome returned to the caller.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after_ns,omitempty"`
}

// ClassStats aggregates decisions for one endpoint class.
type ClassStats struct {
	Strategy string `json:"strategy"`
	Allowed  int64  `json:"allowed"`
	Rejected int64  `json:"rejected"`
	FailOpen int64  `json:"fail_open"`
}

// Limiter evaluates admission against the shared counter store.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	classes    map[string]ClassConfig
	strategies map[string]strategy
	roleMults  map[auth.Role]float64
	stats      map[string]*ClassStats
}

// New builds a limiter, resolving every class's strategy up front so an
// unknown strategy name fails here, not on the request path.
func New(store Store, cfg Config, logger *zap.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:      store,
		logger:     logger,
		now:        time.Now,
		classes:    make(map[string]ClassConfig, len(cfg.Classes)),
		strategies: make(map[string]strategy, len(cfg.Classes)),
		roleMults:  cfg.RoleMultipliers,
		stats:      make(map[string]*ClassStats, len(cfg.Classes)),
	}
	for class, cc := range cfg.Classes {
		strat, err := newStrategy(cc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", class, err)
		}
		l.classes[class] = cc
		l.strategies[class] = strat
		l.stats[class] = &ClassStats{Strategy: cc.Strategy}
	}
	return l, nil
}

// Check admits or rejects one operation. sysLoad is the current measured
// system load, >= 0; higher load shrinks every budget.
//
// Store failures never reject: enforcement fails open because availability of
// the business service outranks strict rate accounting.
func (l *Limiter) Check(ctx context.Context, id auth.Identity, class string, sysLoad float64) Decision {
	l.mu.RLock()
	cc, ok := l.classes[class]
	strat := l.strategies[class]
	stats := l.stats[class]
	l.mu.RUnlock()

	if !ok {
		// Unconfigured classes are not limited.
		return Decision{Allowed: true, Limit: 0, Remaining: 0}
	}

	budget := l.effectiveBudget(cc, id.Role, sysLoad)
	window := time.Duration(cc.WindowSeconds) * time.Second
	key := fmt.Sprintf("%s%s:%s", keyPrefix, class, id.Key())

	res, err := strat.Allow(ctx, l.store, key, budget, window, int64(cc.Burst), l.now())
	if err != nil {
		l.logger.Warn("rate_limit_store_unavailable_fail_open",
			zap.Error(err),
			zap.String("class", class),
			zap.String("identity", id.Key()),
		)
		l.mu.Lock()
		stats.FailOpen++
		l.mu.Unlock()
		return Decision{Allowed: true, Limit: budget, Remaining: budget}
	}

	l.mu.Lock()
	if res.Allowed {
		stats.Allowed++
	} else {
		stats.Rejected++
	}
	l.mu.Unlock()

	return Decision{
		Allowed:    res.Allowed,
		Limit:      budget,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}
}

// effectiveBudget applies the multiplicative budget model: base rpm scaled up
// by role tier and class multiplier, scaled down as load rises. Monotonically
// non-decreasing in role tier, non-increasing in load, floored at 1.
//
// RequestsPerMinute is a per-minute rate; the budget covers one enforcement
// window, so it is scaled by the window length.
func (l *Limiter) effectiveBudget(cc ClassConfig, role auth.Role, sysLoad float64) int64 {
	roleMult, ok := l.roleMults[role]
	if !ok {
		roleMult = 1.0
	}
	if sysLoad < 0 {
		sysLoad = 0
	}
	loadFactor := 1.0 / (1.0 + sysLoad)
	windowFactor := float64(cc.WindowSeconds) / 60.0

	budget := int64(float64(cc.RequestsPerMinute) * windowFactor * roleMult * cc.Multiplier * loadFactor)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// ClassConfigFor returns the configuration of one endpoint class.
func (l *Limiter) ClassConfigFor(class string) (ClassConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cc, ok := l.classes[class]
	return cc, ok
}

// Configs returns a copy of every class configuration.
func (l *Limiter) Configs() map[string]ClassConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]ClassConfig, len(l.classes))
	for class, cc := range l.classes {
		out[class] = cc
	}
	return out
}

// UpdateConfig replaces one class's configuration after validating it.
func (l *Limiter) UpdateConfig(class string, cc ClassConfig) error {
	if err := cc.Validate(); err != nil {
		return err
	}
	strat, err := newStrategy(cc.Strategy)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[class] = cc
	l.strategies[class] = strat
	if s, ok := l.stats[class]; ok {
		s.Strategy = cc.Strategy
	} else {
		l.stats[class] = &ClassStats{Strategy: cc.Strategy}
	}
	return nil
}

// ClearIdentity drops all counter state for one identity across every class.
// Administrative override; the next request starts a fresh window.
func (l *Limiter) ClearIdentity(ctx context.Context, identityKey string) error {
	l.mu.RLock()
	classes := make([]string, 0, len(l.classes))
	for class := range l.classes {
		classes = append(classes, class)
	}
	l.mu.RUnlock()

	for _, class := range classes {
		prefix := fmt.Sprintf("%s%s:%s", keyPrefix, class, identityKey)
		if err := l.store.DeletePrefix(ctx, prefix); err != nil {
			return fmt.Errorf("clear identity %s in class %s: %w", identityKey, class, err)
		}
	}
	return nil
}

// Stats returns a copy of the per-class decision counters.
func (l *Limiter) Stats() map[string]ClassStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]ClassStats, len(l.stats))
	for class, s := range l.stats {
		out[class] = *s
	}
	return out
}

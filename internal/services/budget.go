package services

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned when a user has spent their budget for the
// current period.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetConfig configures per-user spend limits.
type BudgetConfig struct {
	// LimitUSD is the spend allowed per period; 0 means unlimited.
	LimitUSD         float64
	WarningThreshold float64
	// ResetPeriod is daily, weekly or monthly.
	ResetPeriod string
}

// BudgetStatus is a user's spend in the current period.
type BudgetStatus struct {
	UserID          string    `json:"user_id"`
	TotalBudget     float64   `json:"total_budget"`
	UsedBudget      float64   `json:"used_budget"`
	RemainingBudget float64   `json:"remaining_budget"`
	UsagePercentage float64   `json:"usage_percentage"`
	TokensUsed      int       `json:"tokens_used"`
	ResetDate       time.Time `json:"reset_date"`
	IsLimited       bool      `json:"is_limited"`
}

type userSpend struct {
	used    float64
	tokens  int
	resetAt time.Time
	warned  bool
}

// BudgetTracker keeps per-user spend in memory. A user's period starts on
// their first tracked call and the counters reset once it elapses.
type BudgetTracker struct {
	cfg    BudgetConfig
	period time.Duration
	now    func() time.Time
	logger Logger

	mu    sync.Mutex
	users map[string]*userSpend
}

// NewBudgetTracker creates a tracker. now may be nil.
func NewBudgetTracker(cfg BudgetConfig, logger Logger, now func() time.Time) (*BudgetTracker, error) {
	var period time.Duration
	switch cfg.ResetPeriod {
	case "daily":
		period = 24 * time.Hour
	case "weekly":
		period = 7 * 24 * time.Hour
	case "monthly", "":
		period = 30 * 24 * time.Hour
	default:
		return nil, fmt.Errorf("unknown budget reset period %q", cfg.ResetPeriod)
	}
	if cfg.LimitUSD < 0 {
		return nil, fmt.Errorf("budget limit must not be negative: %v", cfg.LimitUSD)
	}
	if now == nil {
		now = time.Now
	}
	return &BudgetTracker{
		cfg:    cfg,
		period: period,
		now:    now,
		logger: logger,
		users:  make(map[string]*userSpend),
	}, nil
}

// spend returns the user's entry, rolling it into a new period when the
// previous one has elapsed. Callers hold b.mu.
func (b *BudgetTracker) spend(userID string) *userSpend {
	now := b.now()
	u, ok := b.users[userID]
	if !ok {
		u = &userSpend{resetAt: now.Add(b.period)}
		b.users[userID] = u
	}
	if !now.Before(u.resetAt) {
		*u = userSpend{resetAt: now.Add(b.period)}
	}
	return u
}

// Allow reports whether the user may make another agent call.
func (b *BudgetTracker) Allow(userID string) error {
	if b.cfg.LimitUSD == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.spend(userID)
	if u.used >= b.cfg.LimitUSD {
		return fmt.Errorf("%w: %s has used $%.2f of $%.2f until %s",
			ErrBudgetExceeded, userID, u.used, b.cfg.LimitUSD, u.resetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// Track adds one call's usage to the user's spend.
func (b *BudgetTracker) Track(userID string, usage Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.spend(userID)
	u.used += usage.CostUSD
	u.tokens += usage.TokensUsed

	if b.cfg.LimitUSD == 0 || u.warned || b.cfg.WarningThreshold <= 0 {
		return
	}
	if u.used >= b.cfg.LimitUSD*b.cfg.WarningThreshold {
		u.warned = true
		b.logger.Warn("Budget threshold reached", "user_id", userID,
			"used_usd", u.used, "limit_usd", b.cfg.LimitUSD, "usage_percentage", 100*u.used/b.cfg.LimitUSD)
	}
}

// Status returns the user's spend in the current period.
func (b *BudgetTracker) Status(userID string) BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.spend(userID)
	st := BudgetStatus{
		UserID:      userID,
		TotalBudget: b.cfg.LimitUSD,
		UsedBudget:  u.used,
		TokensUsed:  u.tokens,
		ResetDate:   u.resetAt,
		IsLimited:   b.cfg.LimitUSD > 0,
	}
	if st.IsLimited {
		st.RemainingBudget = max(0, b.cfg.LimitUSD-u.used)
		st.UsagePercentage = 100 * u.used / b.cfg.LimitUSD
	}
	return st
}

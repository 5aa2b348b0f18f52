package entitlements

import "strings"

type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// AnalyticsDepth describes how much history the analytics views may aggregate.
type AnalyticsDepth string

const (
	AnalyticsBasic    AnalyticsDepth = "basic"
	AnalyticsTrends   AnalyticsDepth = "trends"
	AnalyticsAdvanced AnalyticsDepth = "advanced"
)

// UnlimitedGoals marks a capability bundle without a goal cap.
const UnlimitedGoals = -1

// Capabilities is the fixed bundle of features a tier unlocks.
type Capabilities struct {
	GoalLimit    int            `json:"goal_limit"`
	HistoryDays  int            `json:"history_days"` // 0 = full history
	StreakRepair bool           `json:"streak_repair"`
	Coaching     bool           `json:"coaching"`
	Export       bool           `json:"export"`
	Analytics    AnalyticsDepth `json:"analytics"`
}

// ParseTier normalizes a tier name. Unknown names are reported as not ok.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, true
	case TierPlus:
		return TierPlus, true
	case TierPro:
		return TierPro, true
	default:
		return TierFree, false
	}
}

// Rank orders tiers: free < plus < pro.
func (t Tier) Rank() int {
	switch t {
	case TierPro:
		return 2
	case TierPlus:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether t satisfies the required tier.
func (t Tier) AtLeast(required Tier) bool {
	return t.Rank() >= required.Rank()
}

// IsPaid reports whether the tier must be backed by a provider subscription.
func (t Tier) IsPaid() bool {
	return t == TierPlus || t == TierPro
}

// CapabilitiesFor returns the capability bundle attached to a tier
func CapabilitiesFor(tier Tier) Capabilities {
	switch tier {
	case TierPro:
		return Capabilities{
			GoalLimit:    UnlimitedGoals,
			HistoryDays:  0,
			StreakRepair: true,
			Coaching:     true,
			Export:       true,
			Analytics:    AnalyticsAdvanced,
		}
	case TierPlus:
		return Capabilities{
			GoalLimit:    15,
			HistoryDays:  365,
			StreakRepair: true,
			Coaching:     false,
			Export:       true,
			Analytics:    AnalyticsTrends,
		}
	default:
		return Capabilities{
			GoalLimit:    3,
			HistoryDays:  30,
			StreakRepair: false,
			Coaching:     false,
			Export:       false,
			Analytics:    AnalyticsBasic,
		}
	}
}

package billing

import (
	"strings"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
)

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// freeResolution is the answer for users without an active or trialing subscription.
func freeResolution() Resolution {
	return Resolution{Tier: entitlements.TierFree, Status: models.SubscriptionStatusInactive}
}

// normalized enforces the record invariants: a paid tier needs an entitling status,
// a non-entitling status forces free, and period ends only survive while entitled.
func (r Resolution) normalized() Resolution {
	status := normalizeStatus(r.Status)
	if !models.IsEntitlingStatus(status) {
		if status != models.SubscriptionStatusCanceled {
			status = models.SubscriptionStatusInactive
		}
		return Resolution{Tier: entitlements.TierFree, Status: status}
	}
	tier, ok := entitlements.ParseTier(string(r.Tier))
	if !ok || !tier.IsPaid() {
		return freeResolution()
	}
	return Resolution{Tier: tier, Status: status, PeriodEnd: r.PeriodEnd}
}

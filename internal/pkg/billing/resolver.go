package billing

import (
	"fmt"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
)

// Resolve derives the single effective tier from a customer's subscription snapshots.
// Active beats trialing; within a group the latest period end wins. A chosen snapshot
// whose product is not in the catalog is a configuration error, never a default.
func Resolve(catalog *entitlements.Catalog, snapshots []Snapshot) (Resolution, error) {
	var active, trialing []Snapshot
	for _, s := range snapshots {
		switch normalizeStatus(s.Status) {
		case models.SubscriptionStatusActive:
			active = append(active, s)
		case models.SubscriptionStatusTrialing:
			trialing = append(trialing, s)
		}
	}

	group, status := active, models.SubscriptionStatusActive
	if len(group) == 0 {
		group, status = trialing, models.SubscriptionStatusTrialing
	}
	if len(group) == 0 {
		return freeResolution(), nil
	}

	chosen := group[0]
	for _, s := range group[1:] {
		if laterSnapshot(catalog, s, chosen) {
			chosen = s
		}
	}

	tier, ok := catalog.TierForProduct(chosen.ProductID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: product=%q subscription=%q customer=%q",
			ErrUnmappedProduct, chosen.ProductID, chosen.SubscriptionID, chosen.CustomerID)
	}
	return Resolution{Tier: tier, Status: status, PeriodEnd: chosen.CurrentPeriodEnd}, nil
}

// laterSnapshot reports whether a should be preferred over b. The order is total so the
// choice does not depend on input order: period end, then tier, then ids.
func laterSnapshot(catalog *entitlements.Catalog, a, b Snapshot) bool {
	switch {
	case a.CurrentPeriodEnd == nil && b.CurrentPeriodEnd != nil:
		return false
	case a.CurrentPeriodEnd != nil && b.CurrentPeriodEnd == nil:
		return true
	case a.CurrentPeriodEnd != nil && b.CurrentPeriodEnd != nil && !a.CurrentPeriodEnd.Equal(*b.CurrentPeriodEnd):
		return a.CurrentPeriodEnd.After(*b.CurrentPeriodEnd)
	}

	ta, _ := catalog.TierForProduct(a.ProductID)
	tb, _ := catalog.TierForProduct(b.ProductID)
	if ta.Rank() != tb.Rank() {
		return ta.Rank() > tb.Rank()
	}
	if a.SubscriptionID != b.SubscriptionID {
		return a.SubscriptionID > b.SubscriptionID
	}
	return a.ProductID > b.ProductID
}

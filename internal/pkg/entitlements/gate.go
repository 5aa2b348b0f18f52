package entitlements

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/metrics"
)

// RecordReader is the read side of the entitlement store.
type RecordReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Entitlement, error)
}

// Gate answers feature checks from the cached entitlement row. It never calls
// the billing provider and never triggers reconciliation.
type Gate struct {
	reader RecordReader
}

func NewGate(reader RecordReader) *Gate {
	return &Gate{reader: reader}
}

// Tier returns the user's cached tier. Missing rows and read failures count as free.
func (g *Gate) Tier(ctx context.Context, userID string) Tier {
	if userID == "" {
		return TierFree
	}
	rec, err := g.reader.FindByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("[Gate] entitlement read failed for user %s: %v", userID, err)
		}
		return TierFree
	}
	tier, ok := ParseTier(rec.PlanTier)
	if !ok || (tier.IsPaid() && !models.IsEntitlingStatus(rec.SubscriptionStatus)) {
		return TierFree
	}
	return tier
}

// CanAccess reports whether the user's cached tier satisfies required.
func (g *Gate) CanAccess(ctx context.Context, userID string, required Tier) bool {
	allowed := required == TierFree || g.Tier(ctx, userID).AtLeast(required)
	metrics.ObserveGateCheck(string(required), allowed)
	return allowed
}

// Capabilities returns the capability bundle of the user's cached tier.
func (g *Gate) Capabilities(ctx context.Context, userID string) Capabilities {
	return CapabilitiesFor(g.Tier(ctx, userID))
}

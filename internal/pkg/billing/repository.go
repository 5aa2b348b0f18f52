package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/HabitLoop/app/models"
)

// Repository is the entitlement store. Writes are single statements keyed by user id,
// so concurrent writers need no cross-path coordination.
type Repository interface {
	EnsureEntitlement(ctx context.Context, userID string) (*models.Entitlement, error)
	FindByUserID(ctx context.Context, userID string) (*models.Entitlement, error)
	FindByExternalCustomerID(ctx context.Context, customerID string) (*models.Entitlement, error)
	// LinkExternalCustomer stores customerID for userID only if no customer is linked yet
	// and returns the customer id that ends up stored.
	LinkExternalCustomer(ctx context.Context, userID, customerID string) (string, error)
	UpsertEntitlement(ctx context.Context, userID string, res Resolution) (*models.Entitlement, error)
	ListDueForReconcile(ctx context.Context, before time.Time, limit int) ([]string, error)
	DeleteEntitlement(ctx context.Context, userID string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlement repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) EnsureEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, ErrUserRequired
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(models.NewDefaultEntitlement(id)).Error; err != nil {
		return nil, err
	}
	return r.FindByUserID(ctx, id)
}

func (r *gormRepository) FindByUserID(ctx context.Context, userID string) (*models.Entitlement, error) {
	var e models.Entitlement
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) FindByExternalCustomerID(ctx context.Context, customerID string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := r.db.WithContext(ctx).Where("external_customer_id = ?", strings.TrimSpace(customerID)).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) LinkExternalCustomer(ctx context.Context, userID, customerID string) (string, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return "", errors.New("customer id is required")
	}
	if _, err := r.EnsureEntitlement(ctx, userID); err != nil {
		return "", err
	}

	// Only the first writer sets the mapping; later writers read the winner back.
	err := r.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("user_id = ? AND external_customer_id IS NULL", userID).
		Updates(map[string]interface{}{
			"external_customer_id": cid,
			"updated_at":           time.Now(),
		}).Error
	if err != nil {
		if existing, lookupErr := r.FindByExternalCustomerID(ctx, cid); lookupErr == nil && existing.UserID != userID {
			return "", ErrCustomerConflict
		}
		return "", err
	}

	stored, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	return stored.CustomerID(), nil
}

func (r *gormRepository) UpsertEntitlement(ctx context.Context, userID string, res Resolution) (*models.Entitlement, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, ErrUserRequired
	}
	n := res.normalized()
	rec := &models.Entitlement{
		UserID:             id,
		PlanTier:           string(n.Tier),
		SubscriptionStatus: n.Status,
		CurrentPeriodEnd:   n.PeriodEnd,
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_tier",
			"subscription_status",
			"current_period_end",
			"updated_at",
		}),
	}).Create(rec).Error; err != nil {
		return nil, err
	}
	return r.FindByUserID(ctx, id)
}

func (r *gormRepository) ListDueForReconcile(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("subscription_status IN ? AND current_period_end IS NOT NULL AND current_period_end < ? AND external_customer_id IS NOT NULL",
			[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}, before).
		Order("current_period_end ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) DeleteEntitlement(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Entitlement{}).Error
}

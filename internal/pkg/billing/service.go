package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/metrics"
)

// Service keeps the entitlement store in line with the billing provider.
// Webhooks and reconciliation both end in syncUser, so they converge on the same record.
type Service struct {
	repo      Repository
	provider  Provider
	catalog   *entitlements.Catalog
	redirects Redirects
}

// NewService creates a billing service from injected dependencies.
func NewService(repo Repository, provider Provider, catalog *entitlements.Catalog) *Service {
	return &Service{repo: repo, provider: provider, catalog: catalog}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider Provider, catalog *entitlements.Catalog) *Service {
	return NewService(NewRepository(db), provider, catalog)
}

func (s *Service) Catalog() *entitlements.Catalog {
	return s.catalog
}

// EnsureEntitlement creates the default free record for a new user.
func (s *Service) EnsureEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	return s.repo.EnsureEntitlement(ctx, strings.TrimSpace(userID))
}

// Entitlement returns the stored record, creating the default one when missing.
func (s *Service) Entitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, ErrUserRequired
	}
	rec, err := s.repo.FindByUserID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.repo.EnsureEntitlement(ctx, id)
	}
	return rec, err
}

// DeleteEntitlement removes the record when the user account is deleted.
func (s *Service) DeleteEntitlement(ctx context.Context, userID string) error {
	id := strings.TrimSpace(userID)
	if id == "" {
		return ErrUserRequired
	}
	return s.repo.DeleteEntitlement(ctx, id)
}

// Reconcile pulls the user's subscriptions from the provider and rewrites the record.
// A user without a linked customer cannot hold a subscription, so no network call is made.
func (s *Service) Reconcile(ctx context.Context, userID string) (*models.Entitlement, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, ErrUserRequired
	}
	rec, err := s.repo.EnsureEntitlement(ctx, id)
	if err != nil {
		metrics.ObserveReconcile("store_error")
		return nil, err
	}
	if !rec.HasCustomer() {
		metrics.ObserveReconcile("no_customer")
		return rec, nil
	}

	updated, err := s.syncUser(ctx, id, rec.CustomerID(), SourceReconcile)
	if err != nil {
		metrics.ObserveReconcile(outcomeForError(err))
		return nil, err
	}
	metrics.ObserveReconcile("ok")
	return updated, nil
}

// SyncCustomer re-resolves the entitlement of whichever user the customer is linked to.
// It returns gorm.ErrRecordNotFound when the customer is unknown locally.
func (s *Service) SyncCustomer(ctx context.Context, customerID, source string) (*models.Entitlement, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, gorm.ErrRecordNotFound
	}
	rec, err := s.repo.FindByExternalCustomerID(ctx, cid)
	if err != nil {
		return nil, err
	}
	return s.syncUser(ctx, rec.UserID, cid, source)
}

// LinkAndSync attaches customerID to userID when the user has none yet, then syncs.
// Used when a provider event arrives before checkout linked the customer locally.
// It never creates a record: an erased account stays erased.
func (s *Service) LinkAndSync(ctx context.Context, userID, customerID, source string) (*models.Entitlement, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, ErrUserRequired
	}
	if _, err := s.repo.FindByUserID(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	linked, err := s.repo.LinkExternalCustomer(ctx, id, customerID)
	if err != nil {
		return nil, err
	}
	if linked != strings.TrimSpace(customerID) {
		log.Warnf("[Billing] user %s already linked to customer %s, ignoring %s", id, linked, customerID)
		return nil, ErrCustomerConflict
	}
	return s.syncUser(ctx, id, linked, source)
}

func (s *Service) syncUser(ctx context.Context, userID, customerID, source string) (*models.Entitlement, error) {
	snaps, err := s.provider.ListSubscriptions(ctx, customerID)
	if err != nil {
		log.Warnf("[Billing] fetch subscriptions failed for user %s (customer %s, source %s): %v", userID, customerID, source, err)
		return nil, err
	}

	res, err := Resolve(s.catalog, snaps)
	if err != nil {
		// The record keeps its previous state until the catalog is fixed.
		log.Errorf("[Billing] resolution aborted for user %s (customer %s, source %s): %v", userID, customerID, source, err)
		return nil, err
	}

	rec, err := s.repo.UpsertEntitlement(ctx, userID, res)
	if err != nil {
		log.Errorf("[Billing] store write failed for user %s: %v", userID, err)
		return nil, err
	}
	metrics.ObserveResolution(rec.PlanTier, rec.SubscriptionStatus, source)
	log.Infof("[Billing] user %s resolved to %s/%s via %s (%d snapshots)", userID, rec.PlanTier, rec.SubscriptionStatus, source, len(snaps))
	return rec, nil
}

func outcomeForError(err error) string {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case IsConfigError(err):
		return "config_error"
	default:
		return "error"
	}
}

package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
)

const (
	productPlus = "prod_plus"
	productPro  = "prod_pro"
	pricePlusM  = "price_plus_monthly"
	pricePlusA  = "price_plus_annual"
	priceProM   = "price_pro_monthly"
)

func testCatalog() *entitlements.Catalog {
	c, err := entitlements.NewCatalog(map[entitlements.Tier]entitlements.CatalogTier{
		entitlements.TierPlus: {
			Products: []string{productPlus, "prod_plus_legacy"},
			Prices: map[entitlements.Interval]string{
				entitlements.IntervalMonthly: pricePlusM,
				entitlements.IntervalAnnual:  pricePlusA,
			},
		},
		entitlements.TierPro: {
			Products: []string{productPro},
			Prices: map[entitlements.Interval]string{
				entitlements.IntervalMonthly: priceProM,
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func ts(days int) *time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return &t
}

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]models.Entitlement
	writes  int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: map[string]models.Entitlement{}}
}

func (r *memoryRepo) EnsureEntitlement(_ context.Context, userID string) (*models.Entitlement, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok {
		rec = *models.NewDefaultEntitlement(userID)
		r.records[userID] = rec
	}
	return &rec, nil
}

func (r *memoryRepo) FindByUserID(_ context.Context, userID string) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *memoryRepo) FindByExternalCustomerID(_ context.Context, customerID string) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.CustomerID() == customerID {
			out := rec
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) LinkExternalCustomer(ctx context.Context, userID, customerID string) (string, error) {
	if _, err := r.EnsureEntitlement(ctx, userID); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, rec := range r.records {
		if uid != userID && rec.CustomerID() == customerID {
			return "", ErrCustomerConflict
		}
	}
	rec := r.records[userID]
	if !rec.HasCustomer() {
		cid := customerID
		rec.ExternalCustomerID = &cid
		r.records[userID] = rec
	}
	return rec.CustomerID(), nil
}

func (r *memoryRepo) UpsertEntitlement(_ context.Context, userID string, res Resolution) (*models.Entitlement, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	n := res.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok {
		rec = *models.NewDefaultEntitlement(userID)
	}
	rec.PlanTier = string(n.Tier)
	rec.SubscriptionStatus = n.Status
	rec.CurrentPeriodEnd = n.PeriodEnd
	rec.UpdatedAt = time.Now()
	r.records[userID] = rec
	r.writes++
	return &rec, nil
}

func (r *memoryRepo) ListDueForReconcile(_ context.Context, before time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for uid, rec := range r.records {
		if models.IsEntitlingStatus(rec.SubscriptionStatus) && rec.HasCustomer() &&
			rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.Before(before) {
			ids = append(ids, uid)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryRepo) DeleteEntitlement(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, userID)
	return nil
}

func (r *memoryRepo) get(userID string) *models.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[userID]
	return &rec
}

func (r *memoryRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type fakeProvider struct {
	mu            sync.Mutex
	subscriptions map[string][]Snapshot
	existing      map[string]string // user id -> customer id found by lookup
	created       map[string]string // user id -> customer id created
	listErr       error
	checkoutErr   error
	listCalls     int
	createCalls   int
	sessions      []CheckoutSessionInput
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subscriptions: map[string][]Snapshot{},
		existing:      map[string]string{},
		created:       map[string]string{},
	}
}

func (p *fakeProvider) setSubscriptions(customerID string, snaps ...Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[customerID] = snaps
}

func (p *fakeProvider) ListSubscriptions(_ context.Context, customerID string) ([]Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]Snapshot, len(p.subscriptions[customerID]))
	copy(out, p.subscriptions[customerID])
	return out, nil
}

func (p *fakeProvider) FindCustomer(_ context.Context, userID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing[userID], nil
}

// CreateCustomer hands out a fresh id per call so link races are observable.
func (p *fakeProvider) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	id := fmt.Sprintf("cus_%s_%d", userID, p.createCalls)
	p.created[userID] = id
	return id, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, in CheckoutSessionInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return "", p.checkoutErr
	}
	p.sessions = append(p.sessions, in)
	return "https://checkout.example.com/" + in.CustomerID + "/" + in.PriceID, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

func newTestService() (*Service, *memoryRepo, *fakeProvider) {
	repo := newMemoryRepo()
	provider := newFakeProvider()
	svc := NewService(repo, provider, testCatalog()).WithRedirects(Redirects{
		SuccessURL:   "https://app.habitloop.test/billing/success",
		CancelURL:    "https://app.habitloop.test/billing/cancel",
		PublicDomain: "https://app.habitloop.test",
	})
	return svc, repo, provider
}

package models

import "time"

const (
	PlanTierFree = "free"
	PlanTierPlus = "plus"
	PlanTierPro  = "pro"
)

const (
	SubscriptionStatusInactive = "inactive"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

// Entitlement is the locally cached answer to "what plan is this user on".
// Feature checks read it; only the webhook processor and the reconciler write it.
type Entitlement struct {
	UserID             string     `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	ExternalCustomerID *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_entitlements_external_customer" json:"external_customer_id,omitempty"`
	PlanTier           string     `gorm:"type:varchar(16);not null;default:'free'" json:"plan_tier"`
	SubscriptionStatus string     `gorm:"type:varchar(16);not null;default:'inactive';index:idx_entitlements_status_period,priority:1" json:"subscription_status"`
	CurrentPeriodEnd   *time.Time `gorm:"default:null;index:idx_entitlements_status_period,priority:2" json:"current_period_end,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Entitlement) TableName() string {
	return "entitlements"
}

// CustomerID returns the linked provider customer id or "".
func (e *Entitlement) CustomerID() string {
	if e == nil || e.ExternalCustomerID == nil {
		return ""
	}
	return *e.ExternalCustomerID
}

// HasCustomer reports whether a provider customer is linked.
func (e *Entitlement) HasCustomer() bool {
	return e.CustomerID() != ""
}

// IsEntitlingStatus reports whether a status may back a paid tier.
func IsEntitlingStatus(status string) bool {
	return status == SubscriptionStatusActive || status == SubscriptionStatusTrialing
}

// NewDefaultEntitlement returns the record every account starts with.
func NewDefaultEntitlement(userID string) *Entitlement {
	return &Entitlement{
		UserID:             userID,
		PlanTier:           PlanTierFree,
		SubscriptionStatus: SubscriptionStatusInactive,
	}
}

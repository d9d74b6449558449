package model

import (
	"math"
	"time"
)

type Subscription struct {
	ID        string             `db:"id" json:"id"`
	OwnerID   string             `db:"owner_id" json:"ownerId"`
	Plan      PlanID             `db:"plan" json:"plan"`
	Status    SubscriptionStatus `db:"status" json:"status"`
	IsActive  bool               `db:"is_active" json:"isActive"`
	ExpiresAt time.Time          `db:"expires_at" json:"expiresAt"`
	PaymentID *string            `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time          `db:"updated_at" json:"updatedAt"`
}

// Current reports whether the subscription grants access at now.
func (s *Subscription) Current(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}

// DaysRemaining rounds up partial days; lapsed subscriptions report 0.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !s.Current(now) {
		return 0
	}
	return int(math.Ceil(s.ExpiresAt.Sub(now).Hours() / 24))
}

func (s *Subscription) MaxInstances() int {
	if p, ok := LookupPlan(s.Plan); ok {
		return p.MaxInstances
	}
	return 0
}

type CreateSubscriptionParams struct {
	OwnerID   string
	Plan      PlanID
	ExpiresAt time.Time
	PaymentID *string
}

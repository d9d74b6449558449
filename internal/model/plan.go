package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PlanID string

const (
	PlanBasic    PlanID = "basic"
	PlanPro      PlanID = "pro"
	PlanBusiness PlanID = "business"
	PlanManual   PlanID = "manual"
)

const DefaultPlanDuration = 30 * 24 * time.Hour

type Plan struct {
	ID           PlanID          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	MaxInstances int             `json:"maxInstances"`
	Duration     time.Duration   `json:"-"`
}

var plans = map[PlanID]Plan{
	PlanBasic: {
		ID: PlanBasic, Name: "Basic", Price: decimal.RequireFromString("9.99"),
		Currency: "USD", MaxInstances: 1, Duration: DefaultPlanDuration,
	},
	PlanPro: {
		ID: PlanPro, Name: "Pro", Price: decimal.RequireFromString("24.99"),
		Currency: "USD", MaxInstances: 3, Duration: DefaultPlanDuration,
	},
	PlanBusiness: {
		ID: PlanBusiness, Name: "Business", Price: decimal.RequireFromString("49.99"),
		Currency: "USD", MaxInstances: 10, Duration: DefaultPlanDuration,
	},
	PlanManual: {
		ID: PlanManual, Name: "Manual", Price: decimal.Zero,
		Currency: "USD", MaxInstances: 1, Duration: DefaultPlanDuration,
	},
}

// LookupPlan returns the catalog entry for id.
func LookupPlan(id PlanID) (Plan, bool) {
	p, ok := plans[id]
	return p, ok
}

// PurchasablePlans lists plans that can be bought through the payment flow.
func PurchasablePlans() []Plan {
	return []Plan{plans[PlanBasic], plans[PlanPro], plans[PlanBusiness]}
}

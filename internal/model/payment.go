package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Payment struct {
	ID          string          `db:"id" json:"id"`
	OwnerID     string          `db:"owner_id" json:"ownerId"`
	Reference   string          `db:"reference" json:"reference"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Currency    string          `db:"currency" json:"currency"`
	Plan        PlanID          `db:"plan" json:"plan"`
	Status      PaymentStatus   `db:"status" json:"status"`
	ProviderRef *string         `db:"provider_ref" json:"providerRef,omitempty"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	CompletedAt *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

type CreatePaymentParams struct {
	OwnerID   string
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Plan      PlanID
	Metadata  json.RawMessage
}

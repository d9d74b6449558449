package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/repository"
	"github.com/botfleet/orchestrator/internal/util"
)

type SubscriptionStatus struct {
	Active        bool         `json:"active"`
	Plan          model.PlanID `json:"plan,omitempty"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	DaysRemaining int          `json:"daysRemaining"`
	MaxInstances  int          `json:"maxInstances"`
	InstanceCount int          `json:"instanceCount"`
	CanCreate     bool         `json:"canCreate"`
}

func (c *Coordinator) SubscriptionStatus(ctx context.Context, ownerID string) (*SubscriptionStatus, error) {
	sub, err := c.store.Subscriptions.FindActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	count, err := c.store.Instances.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	now := c.now()
	status := &SubscriptionStatus{InstanceCount: count}
	if sub == nil {
		return status, nil
	}

	expiresAt := sub.ExpiresAt
	status.Plan = sub.Plan
	status.ExpiresAt = &expiresAt
	status.Active = sub.Current(now)
	status.DaysRemaining = sub.DaysRemaining(now)
	if status.Active {
		status.MaxInstances = sub.MaxInstances()
		status.CanCreate = count < status.MaxInstances
	}
	return status, nil
}

// InitiatePayment records a pending payment for plan. The provider's
// checkout flow later reports it back through the webhook by reference.
func (c *Coordinator) InitiatePayment(ctx context.Context, ownerID string, planID model.PlanID) (*model.Payment, error) {
	plan, ok := purchasable(planID)
	if !ok {
		return nil, apperrors.InvalidInput("plan", "unknown plan")
	}

	active, err := c.store.Subscriptions.FindActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	now := c.now()
	if active.Current(now) {
		return nil, apperrors.ActiveSubscriptionExists()
	}

	metadata, err := json.Marshal(map[string]string{"plan_name": plan.Name})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	payment, err := c.store.Payments.Create(ctx, model.CreatePaymentParams{
		OwnerID:   ownerID,
		Reference: newReference(now),
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Plan:      plan.ID,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("ownerId", ownerID).
		Str("reference", payment.Reference).
		Str("amount", payment.Amount.StringFixed(2)).
		Msg("payment initiated")
	return payment, nil
}

// ExtendSubscription grants days of access without a payment. A current
// subscription is extended in place; otherwise a manual one is started.
func (c *Coordinator) ExtendSubscription(ctx context.Context, ownerID string, days int) (*model.Subscription, error) {
	if ownerID == "" {
		return nil, apperrors.MissingRequired("ownerId")
	}
	if days <= 0 || days > maxExtendDays {
		return nil, apperrors.InvalidInput("days", fmt.Sprintf("must be between 1 and %d", maxExtendDays))
	}

	var result *model.Subscription
	err := c.tx.InTx(ctx, func(s repository.Store) error {
		now := c.now()
		extension := time.Duration(days) * 24 * time.Hour

		current, err := s.Subscriptions.LockActiveByOwner(ctx, ownerID)
		if err != nil {
			return apperrors.Database(err)
		}

		if current.Current(now) {
			current.ExpiresAt = current.ExpiresAt.Add(extension)
			if err := s.Subscriptions.SetExpiry(ctx, current.ID, current.ExpiresAt); err != nil {
				return apperrors.Database(err)
			}
			if _, err := s.Instances.ExtendExpiryForOwner(ctx, ownerID, current.ExpiresAt); err != nil {
				return apperrors.Database(err)
			}
			result = current
			return nil
		}

		sub, err := replaceSubscription(ctx, s, model.CreateSubscriptionParams{
			OwnerID:   ownerID,
			Plan:      model.PlanManual,
			ExpiresAt: now.Add(extension),
		})
		if err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		if !apperrors.IsAppError(err) {
			err = apperrors.Database(err)
		}
		return nil, err
	}

	log.Info().
		Str("ownerId", ownerID).
		Int("days", days).
		Time("expiresAt", result.ExpiresAt).
		Msg("subscription extended")
	return result, nil
}

func purchasable(id model.PlanID) (model.Plan, bool) {
	for _, p := range model.PurchasablePlans() {
		if p.ID == id {
			return p, true
		}
	}
	return model.Plan{}, false
}

func newReference(now time.Time) string {
	return fmt.Sprintf("PAY-%d-%s", now.UnixMilli(), util.RandomString(referenceChars, referenceLength))
}

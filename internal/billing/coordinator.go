// Package billing turns provider payment events into subscription
// activations and owns every other subscription mutation.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/repository"
	"github.com/botfleet/orchestrator/internal/util"
)

const (
	EventPaymentSuccess = "payment.success"
	EventPaymentFailed  = "payment.failed"

	referenceChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceLength = 9
	maxExtendDays   = 365
)

type Publisher interface {
	Publish(ctx context.Context, ownerID string, event events.Event) error
}

type webhookPayload struct {
	Event string      `json:"event"`
	Data  paymentData `json:"data"`
}

type paymentData struct {
	Reference     string              `json:"reference"`
	Amount        decimal.NullDecimal `json:"amount"`
	Currency      string              `json:"currency"`
	CustomerID    string              `json:"customer_id"`
	TransactionID string              `json:"transaction_id"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
}

// Outcome describes what a webhook delivery did. Replayed deliveries and
// ignored events are acknowledged without side effects.
type Outcome struct {
	Event        string              `json:"event"`
	Reference    string              `json:"reference,omitempty"`
	Replayed     bool                `json:"replayed"`
	Ignored      bool                `json:"ignored,omitempty"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
}

type Coordinator struct {
	tx        repository.Transactor
	store     repository.Store
	secret    string
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewCoordinator(
	tx repository.Transactor,
	store repository.Store,
	webhookSecret string,
	publisher Publisher,
	m *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		tx:        tx,
		store:     store,
		secret:    webhookSecret,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (c *Coordinator) VerifySignature(raw []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" || c.secret == "" {
		return false
	}
	return util.ConstantTimeEqual(util.HmacSHA256(c.secret, raw), strings.ToLower(signature))
}

// Handle processes one webhook delivery. It is safe to call again with the
// same body: a completed payment is reported as replayed.
func (c *Coordinator) Handle(ctx context.Context, raw []byte, signature string) (*Outcome, error) {
	if !c.VerifySignature(raw, signature) {
		c.metrics.Webhook("invalid_signature")
		return nil, apperrors.InvalidSignature()
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.metrics.Webhook("malformed")
		return nil, apperrors.ValidationError("Malformed webhook payload")
	}

	switch payload.Event {
	case EventPaymentSuccess:
		return c.activate(ctx, payload.Data)
	case EventPaymentFailed:
		return c.markFailed(ctx, payload.Data)
	default:
		c.metrics.Webhook("ignored")
		log.Info().Str("event", payload.Event).Msg("ignoring payment event")
		return &Outcome{Event: payload.Event, Reference: payload.Data.Reference, Ignored: true}, nil
	}
}

func (c *Coordinator) activate(ctx context.Context, data paymentData) (*Outcome, error) {
	if data.Reference == "" {
		c.metrics.Webhook("malformed")
		return nil, apperrors.MissingRequired("reference")
	}

	out := &Outcome{Event: EventPaymentSuccess, Reference: data.Reference}
	var ownerID string

	err := c.tx.InTx(ctx, func(s repository.Store) error {
		payment, err := s.Payments.LockByReference(ctx, data.Reference)
		if err != nil {
			return apperrors.Database(err)
		}
		if payment == nil {
			return apperrors.NotFound("Payment")
		}
		if payment.Status == model.PaymentStatusCompleted {
			out.Replayed = true
			return nil
		}
		if data.Amount.Valid && !data.Amount.Decimal.Equal(payment.Amount) {
			return apperrors.InvalidInput("amount", fmt.Sprintf("expected %s", payment.Amount.StringFixed(2)))
		}
		if data.CustomerID != "" && data.CustomerID != payment.OwnerID {
			log.Warn().
				Str("reference", payment.Reference).
				Str("customerId", data.CustomerID).
				Msg("webhook customer differs from payment owner")
		}

		plan, ok := model.LookupPlan(payment.Plan)
		if !ok {
			return apperrors.Internal(fmt.Sprintf("unknown plan %q", payment.Plan))
		}

		now := c.now()
		providerRef := data.TransactionID
		if providerRef == "" {
			providerRef = data.Reference
		}
		if err := s.Payments.MarkCompleted(ctx, payment.ID, providerRef, now); err != nil {
			return apperrors.Database(err)
		}

		sub, err := replaceSubscription(ctx, s, model.CreateSubscriptionParams{
			OwnerID:   payment.OwnerID,
			Plan:      plan.ID,
			ExpiresAt: now.Add(plan.Duration),
			PaymentID: &payment.ID,
		})
		if err != nil {
			return err
		}

		out.Subscription = sub
		ownerID = payment.OwnerID
		return nil
	})
	if err != nil {
		c.metrics.Webhook("error")
		if !apperrors.IsAppError(err) {
			err = apperrors.Database(err)
		}
		return nil, err
	}

	if out.Replayed {
		c.metrics.Webhook("replayed")
		log.Info().Str("reference", data.Reference).Msg("payment already processed")
		return out, nil
	}

	c.metrics.Webhook("activated")
	log.Info().
		Str("reference", data.Reference).
		Str("ownerId", ownerID).
		Str("plan", string(out.Subscription.Plan)).
		Time("expiresAt", out.Subscription.ExpiresAt).
		Msg("subscription activated")
	c.publish(ctx, ownerID, out.Subscription)
	return out, nil
}

// replaceSubscription deactivates the owner's current row and inserts a new
// active one, then pulls instance expiry up to match. s must be bound to a
// transaction.
func replaceSubscription(
	ctx context.Context,
	s repository.Store,
	params model.CreateSubscriptionParams,
) (*model.Subscription, error) {
	if _, err := s.Subscriptions.LockActiveByOwner(ctx, params.OwnerID); err != nil {
		return nil, apperrors.Database(err)
	}
	if _, err := s.Subscriptions.DeactivateByOwner(ctx, params.OwnerID); err != nil {
		return nil, apperrors.Database(err)
	}
	sub, err := s.Subscriptions.Create(ctx, params)
	if errors.Is(err, repository.ErrActiveSubscriptionConflict) {
		log.Warn().Str("ownerId", params.OwnerID).Msg("concurrent subscription activation; retry will see the committed row")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if _, err := s.Instances.ExtendExpiryForOwner(ctx, params.OwnerID, sub.ExpiresAt); err != nil {
		return nil, apperrors.Database(err)
	}
	return sub, nil
}

func (c *Coordinator) markFailed(ctx context.Context, data paymentData) (*Outcome, error) {
	if data.Reference == "" {
		c.metrics.Webhook("malformed")
		return nil, apperrors.MissingRequired("reference")
	}

	out := &Outcome{Event: EventPaymentFailed, Reference: data.Reference}
	err := c.tx.InTx(ctx, func(s repository.Store) error {
		payment, err := s.Payments.LockByReference(ctx, data.Reference)
		if err != nil {
			return apperrors.Database(err)
		}
		if payment == nil {
			return apperrors.NotFound("Payment")
		}
		if payment.Status != model.PaymentStatusPending {
			out.Replayed = true
			return nil
		}
		if err := s.Payments.MarkFailed(ctx, payment.ID, data.TransactionID); err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
	if err != nil {
		c.metrics.Webhook("error")
		if !apperrors.IsAppError(err) {
			err = apperrors.Database(err)
		}
		return nil, err
	}

	c.metrics.Webhook("failed")
	log.Warn().Str("reference", data.Reference).Bool("replayed", out.Replayed).Msg("payment failed")
	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, ownerID string, sub *model.Subscription) {
	if c.publisher == nil {
		return
	}
	ev, err := events.NewEvent(events.TypeSubscription, sub)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode subscription event")
		return
	}
	if err := c.publisher.Publish(ctx, ownerID, ev); err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to publish subscription event")
	}
}

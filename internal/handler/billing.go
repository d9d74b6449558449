package handler

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/audit"
	"github.com/botfleet/orchestrator/internal/billing"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/middleware"
	"github.com/botfleet/orchestrator/internal/model"
)

const SignatureHeader = "X-Payment-Signature"

type BillingHandler struct {
	coordinator *billing.Coordinator
}

func NewBillingHandler(coordinator *billing.Coordinator) *BillingHandler {
	return &BillingHandler{coordinator: coordinator}
}

// GET /v1/subscription
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	status, err := h.coordinator.SubscriptionStatus(r.Context(), middleware.GetOwnerID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// POST /v1/payments
func (h *BillingHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan model.PlanID `json:"plan"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Plan == "" {
		writeError(w, r, apperrors.MissingRequired("plan"))
		return
	}

	payment, err := h.coordinator.InitiatePayment(r.Context(), middleware.GetOwnerID(r.Context()), req.Plan)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"reference": payment.Reference,
		"amount":    payment.Amount.StringFixed(2),
		"currency":  payment.Currency,
		"plan":      payment.Plan,
		"status":    payment.Status,
	})
}

// POST /payments/webhook
// The provider retries on 5xx, so 200 is written only once the activation
// has committed.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, apperrors.ValidationError("Invalid request body"))
		return
	}

	outcome, err := h.coordinator.Handle(r.Context(), raw, r.Header.Get(SignatureHeader))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeInvalidSignature) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventInvalidSignature,
				Details: map[string]any{"bodySize": len(raw)},
			})
		}
		writeError(w, r, err)
		return
	}

	if outcome.Subscription != nil && !outcome.Replayed {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventSubscriptionGrant,
			OwnerID: outcome.Subscription.OwnerID,
			Details: map[string]any{
				"reference": outcome.Reference,
				"plan":      string(outcome.Subscription.Plan),
			},
		})
	}

	log.Debug().
		Str("event", outcome.Event).
		Str("reference", outcome.Reference).
		Bool("replayed", outcome.Replayed).
		Msg("payment webhook handled")
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "replayed": outcome.Replayed})
}

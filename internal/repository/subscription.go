package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/botfleet/orchestrator/internal/database"
	"github.com/botfleet/orchestrator/internal/model"
)

// ErrActiveSubscriptionConflict is returned by Create when another active
// subscription for the owner committed first.
var ErrActiveSubscriptionConflict = errors.New("owner already has an active subscription")

type SubscriptionRepository interface {
	FindActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error)
	// LockActiveByOwner reads the active row with FOR UPDATE; only
	// meaningful inside a transaction.
	LockActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error)
	DeactivateByOwner(ctx context.Context, ownerID string) (int64, error)
	Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error)
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) error
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) SubscriptionRepository
}

type subscriptionRepo struct {
	db database.DBTX
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) WithTx(tx *sqlx.Tx) SubscriptionRepository {
	return &subscriptionRepo{db: tx}
}

func (r *subscriptionRepo) FindActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error) {
	return getOptional[model.Subscription](ctx, r.db, `
		SELECT * FROM subscriptions WHERE owner_id = $1 AND is_active
	`, ownerID)
}

func (r *subscriptionRepo) LockActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error) {
	return getOptional[model.Subscription](ctx, r.db, `
		SELECT * FROM subscriptions WHERE owner_id = $1 AND is_active
		FOR UPDATE
	`, ownerID)
}

func (r *subscriptionRepo) DeactivateByOwner(ctx context.Context, ownerID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = FALSE, status = 'superseded', updated_at = NOW()
		WHERE owner_id = $1 AND is_active
	`, ownerID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *subscriptionRepo) Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		INSERT INTO subscriptions (owner_id, plan, status, is_active, expires_at, payment_id)
		VALUES ($1, $2, 'active', TRUE, $3, $4)
		RETURNING *
	`, params.OwnerID, params.Plan, params.ExpiresAt, params.PaymentID)
	if database.IsUniqueViolation(err, "idx_subscriptions_one_active") {
		return nil, ErrActiveSubscriptionConflict
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepo) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET expires_at = $2, updated_at = NOW() WHERE id = $1
	`, id, expiresAt)
	return err
}

func (r *subscriptionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = FALSE, status = 'expired', updated_at = NOW()
		WHERE is_active AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

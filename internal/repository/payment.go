package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/botfleet/orchestrator/internal/database"
	"github.com/botfleet/orchestrator/internal/model"
)

type PaymentRepository interface {
	FindByReference(ctx context.Context, reference string) (*model.Payment, error)
	LockByReference(ctx context.Context, reference string) (*model.Payment, error)
	Create(ctx context.Context, params model.CreatePaymentParams) (*model.Payment, error)
	MarkCompleted(ctx context.Context, id string, providerRef string, at time.Time) error
	MarkFailed(ctx context.Context, id string, providerRef string) error
	WithTx(tx *sqlx.Tx) PaymentRepository
}

type paymentRepo struct {
	db database.DBTX
}

func NewPaymentRepository(db *sqlx.DB) PaymentRepository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) WithTx(tx *sqlx.Tx) PaymentRepository {
	return &paymentRepo{db: tx}
}

func (r *paymentRepo) FindByReference(ctx context.Context, reference string) (*model.Payment, error) {
	return getOptional[model.Payment](ctx, r.db, `SELECT * FROM payments WHERE reference = $1`, reference)
}

func (r *paymentRepo) LockByReference(ctx context.Context, reference string) (*model.Payment, error) {
	return getOptional[model.Payment](ctx, r.db, `SELECT * FROM payments WHERE reference = $1 FOR UPDATE`, reference)
}

func (r *paymentRepo) Create(ctx context.Context, params model.CreatePaymentParams) (*model.Payment, error) {
	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	var p model.Payment
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO payments (owner_id, reference, amount, currency, plan, status, metadata)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING *
	`, params.OwnerID, params.Reference, params.Amount, params.Currency, params.Plan, metadata)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepo) MarkCompleted(ctx context.Context, id string, providerRef string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payments SET status = 'completed', provider_ref = NULLIF($2, ''), completed_at = $3
		WHERE id = $1
	`, id, providerRef, at)
	return err
}

func (r *paymentRepo) MarkFailed(ctx context.Context, id string, providerRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payments SET status = 'failed', provider_ref = NULLIF($2, '')
		WHERE id = $1 AND status = 'pending'
	`, id, providerRef)
	return err
}

package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/botfleet/orchestrator/internal/database"
)

// Store groups the repositories that take part in one unit of work.
type Store struct {
	Instances     InstanceRepository
	Subscriptions SubscriptionRepository
	Payments      PaymentRepository
}

func NewStore(db *sqlx.DB) Store {
	return Store{
		Instances:     NewInstanceRepository(db),
		Subscriptions: NewSubscriptionRepository(db),
		Payments:      NewPaymentRepository(db),
	}
}

func (s Store) WithTx(tx *sqlx.Tx) Store {
	return Store{
		Instances:     s.Instances.WithTx(tx),
		Subscriptions: s.Subscriptions.WithTx(tx),
		Payments:      s.Payments.WithTx(tx),
	}
}

// Transactor runs fn against a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

type sqlTransactor struct {
	db    *database.DB
	store Store
}

func NewTransactor(db *database.DB, store Store) Transactor {
	return &sqlTransactor{db: db, store: store}
}

func (t *sqlTransactor) InTx(ctx context.Context, fn func(Store) error) error {
	return t.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(t.store.WithTx(tx))
	})
}

// Package memrepo provides in-memory implementations of the repository
// interfaces for tests. Transactions are serialized and roll back by
// restoring a snapshot taken when they began.
package memrepo

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/repository"
)

type DB struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	now      func() time.Time
	failures map[string]error

	instances     map[string]model.Instance
	subscriptions map[string]model.Subscription
	payments      map[string]model.Payment
}

func New() *DB {
	return &DB{
		now:           time.Now,
		failures:      make(map[string]error),
		instances:     make(map[string]model.Instance),
		subscriptions: make(map[string]model.Subscription),
		payments:      make(map[string]model.Payment),
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

// FailNext makes the next call to op (for example "subscriptions.Create")
// return err.
func (db *DB) FailNext(op string, err error) {
	db.mu.Lock()
	db.failures[op] = err
	db.mu.Unlock()
}

// failure must be called with mu held.
func (db *DB) failure(op string) error {
	if err, ok := db.failures[op]; ok {
		delete(db.failures, op)
		return err
	}
	return nil
}

func (db *DB) Store() repository.Store {
	return repository.Store{
		Instances:     &instanceRepo{db: db},
		Subscriptions: &subscriptionRepo{db: db},
		Payments:      &paymentRepo{db: db},
	}
}

func (db *DB) InTx(ctx context.Context, fn func(repository.Store) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	instances := maps.Clone(db.instances)
	subscriptions := maps.Clone(db.subscriptions)
	payments := maps.Clone(db.payments)
	db.mu.Unlock()

	if err := fn(db.Store()); err != nil {
		db.mu.Lock()
		db.instances = instances
		db.subscriptions = subscriptions
		db.payments = payments
		db.mu.Unlock()
		return err
	}
	return nil
}

var _ repository.Transactor = (*DB)(nil)

// Instances returns a copy of every stored instance, ordered by ID.
func (db *DB) Instances() []model.Instance {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]model.Instance, 0, len(db.instances))
	for _, inst := range db.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscriptions returns a copy of every subscription row for owner.
func (db *DB) Subscriptions(ownerID string) []model.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.Subscription
	for _, s := range db.subscriptions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PutInstance stores inst as-is, generating an ID when empty.
func (db *DB) PutInstance(inst model.Instance) model.Instance {
	db.mu.Lock()
	defer db.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = db.now()
		inst.UpdatedAt = inst.CreatedAt
	}
	db.instances[inst.ID] = inst
	return inst
}

// PutSubscription stores sub as-is, generating an ID when empty.
func (db *DB) PutSubscription(sub model.Subscription) model.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = db.now()
		sub.UpdatedAt = sub.CreatedAt
	}
	db.subscriptions[sub.ID] = sub
	return sub
}

// PutPayment stores p as-is, generating an ID when empty.
func (db *DB) PutPayment(p model.Payment) model.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = db.now()
	}
	db.payments[p.ID] = p
	return p
}

type instanceRepo struct {
	db *DB
}

func (r *instanceRepo) WithTx(tx *sqlx.Tx) repository.InstanceRepository { return r }

func (r *instanceRepo) FindByID(ctx context.Context, id string) (*model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.FindByID"); err != nil {
		return nil, err
	}
	inst, ok := r.db.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (r *instanceRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Instance, error) {
	return r.FindByID(ctx, id)
}

var statePriority = map[model.DeploymentState]int{
	model.StateOnline:        1,
	model.StatePairing:       2,
	model.StateCredsUploaded: 3,
	model.StateDeploying:     4,
	model.StateCreated:       5,
}

func priority(s model.DeploymentState) int {
	if p, ok := statePriority[s]; ok {
		return p
	}
	return 6
}

func (r *instanceRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Instance
	for _, inst := range r.db.instances {
		if inst.OwnerID == ownerID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := priority(out[i].DeploymentState), priority(out[j].DeploymentState)
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *instanceRepo) ListByState(ctx context.Context, state model.DeploymentState) ([]model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.ListByState"); err != nil {
		return nil, err
	}
	var out []model.Instance
	for _, inst := range r.db.instances {
		if inst.DeploymentState == state {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *instanceRepo) ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Instance
	for _, inst := range r.db.instances {
		if inst.DeploymentState.Running() && inst.Expired(now) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *instanceRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	count := 0
	for _, inst := range r.db.instances {
		if inst.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (r *instanceRepo) Create(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.Create"); err != nil {
		return nil, err
	}
	now := r.db.now()
	inst := model.Instance{
		ID:                    uuid.NewString(),
		OwnerID:               params.OwnerID,
		Name:                  params.Name,
		ExternalAccountNumber: params.ExternalAccountNumber,
		DeploymentState:       model.StateCreated,
		ExpiresAt:             params.ExpiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	r.db.instances[inst.ID] = inst
	return &inst, nil
}

func (r *instanceRepo) Transition(
	ctx context.Context,
	id string,
	from []model.DeploymentState,
	to model.DeploymentState,
	change model.InstanceChange,
) (*model.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.Transition"); err != nil {
		return nil, err
	}
	inst, ok := r.db.instances[id]
	if !ok {
		return nil, nil
	}
	matched := false
	for _, s := range from {
		if inst.DeploymentState == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}
	inst.DeploymentState = to
	change.Apply(&inst)
	inst.UpdatedAt = r.db.now()
	r.db.instances[id] = inst
	return &inst, nil
}

func (r *instanceRepo) Update(ctx context.Context, id string, change model.InstanceChange) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.Update"); err != nil {
		return err
	}
	inst, ok := r.db.instances[id]
	if !ok {
		return nil
	}
	change.Apply(&inst)
	inst.UpdatedAt = r.db.now()
	r.db.instances[id] = inst
	return nil
}

func (r *instanceRepo) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	inst, ok := r.db.instances[id]
	if !ok {
		return nil
	}
	if inst.LastActiveAt == nil || at.After(*inst.LastActiveAt) {
		inst.LastActiveAt = &at
		r.db.instances[id] = inst
	}
	return nil
}

func (r *instanceRepo) ExtendExpiryForOwner(ctx context.Context, ownerID string, until time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.ExtendExpiryForOwner"); err != nil {
		return 0, err
	}
	var n int64
	for id, inst := range r.db.instances {
		if inst.OwnerID != ownerID {
			continue
		}
		if inst.ExpiresAt == nil || inst.ExpiresAt.Before(until) {
			u := until
			inst.ExpiresAt = &u
			inst.UpdatedAt = r.db.now()
			r.db.instances[id] = inst
			n++
		}
	}
	return n, nil
}

func (r *instanceRepo) ClearExpiredPairing(ctx context.Context, startedBefore time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, inst := range r.db.instances {
		if inst.PairingCode != nil && inst.PairingStartedAt != nil && inst.PairingStartedAt.Before(startedBefore) {
			inst.PairingCode = nil
			r.db.instances[id] = inst
			n++
		}
	}
	return n, nil
}

func (r *instanceRepo) Delete(ctx context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("instances.Delete"); err != nil {
		return err
	}
	delete(r.db.instances, id)
	return nil
}

type subscriptionRepo struct {
	db *DB
}

func (r *subscriptionRepo) WithTx(tx *sqlx.Tx) repository.SubscriptionRepository { return r }

// activeLocked must be called with mu held.
func (r *subscriptionRepo) activeLocked(ownerID string) *model.Subscription {
	for _, s := range r.db.subscriptions {
		if s.OwnerID == ownerID && s.IsActive {
			return &s
		}
	}
	return nil
}

func (r *subscriptionRepo) FindActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("subscriptions.FindActiveByOwner"); err != nil {
		return nil, err
	}
	return r.activeLocked(ownerID), nil
}

func (r *subscriptionRepo) LockActiveByOwner(ctx context.Context, ownerID string) (*model.Subscription, error) {
	return r.FindActiveByOwner(ctx, ownerID)
}

func (r *subscriptionRepo) DeactivateByOwner(ctx context.Context, ownerID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("subscriptions.DeactivateByOwner"); err != nil {
		return 0, err
	}
	var n int64
	for id, s := range r.db.subscriptions {
		if s.OwnerID == ownerID && s.IsActive {
			s.IsActive = false
			s.Status = model.SubscriptionStatusSuperseded
			s.UpdatedAt = r.db.now()
			r.db.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("subscriptions.Create"); err != nil {
		return nil, err
	}
	if r.activeLocked(params.OwnerID) != nil {
		return nil, repository.ErrActiveSubscriptionConflict
	}
	now := r.db.now()
	sub := model.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   params.OwnerID,
		Plan:      params.Plan,
		Status:    model.SubscriptionStatusActive,
		IsActive:  true,
		ExpiresAt: params.ExpiresAt,
		PaymentID: params.PaymentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.db.subscriptions[sub.ID] = sub
	return &sub, nil
}

func (r *subscriptionRepo) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("subscriptions.SetExpiry"); err != nil {
		return err
	}
	if s, ok := r.db.subscriptions[id]; ok {
		s.ExpiresAt = expiresAt
		s.UpdatedAt = r.db.now()
		r.db.subscriptions[id] = s
	}
	return nil
}

func (r *subscriptionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, s := range r.db.subscriptions {
		if s.IsActive && !now.Before(s.ExpiresAt) {
			s.IsActive = false
			s.Status = model.SubscriptionStatusExpired
			r.db.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

type paymentRepo struct {
	db *DB
}

func (r *paymentRepo) WithTx(tx *sqlx.Tx) repository.PaymentRepository { return r }

func (r *paymentRepo) FindByReference(ctx context.Context, reference string) (*model.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("payments.FindByReference"); err != nil {
		return nil, err
	}
	for _, p := range r.db.payments {
		if p.Reference == reference {
			return &p, nil
		}
	}
	return nil, nil
}

func (r *paymentRepo) LockByReference(ctx context.Context, reference string) (*model.Payment, error) {
	return r.FindByReference(ctx, reference)
}

func (r *paymentRepo) Create(ctx context.Context, params model.CreatePaymentParams) (*model.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("payments.Create"); err != nil {
		return nil, err
	}
	p := model.Payment{
		ID:        uuid.NewString(),
		OwnerID:   params.OwnerID,
		Reference: params.Reference,
		Amount:    params.Amount,
		Currency:  params.Currency,
		Plan:      params.Plan,
		Status:    model.PaymentStatusPending,
		Metadata:  params.Metadata,
		CreatedAt: r.db.now(),
	}
	r.db.payments[p.ID] = p
	return &p, nil
}

func (r *paymentRepo) MarkCompleted(ctx context.Context, id string, providerRef string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failure("payments.MarkCompleted"); err != nil {
		return err
	}
	if p, ok := r.db.payments[id]; ok {
		p.Status = model.PaymentStatusCompleted
		if providerRef != "" {
			p.ProviderRef = &providerRef
		}
		p.CompletedAt = &at
		r.db.payments[id] = p
	}
	return nil
}

func (r *paymentRepo) MarkFailed(ctx context.Context, id string, providerRef string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if p, ok := r.db.payments[id]; ok && p.Status == model.PaymentStatusPending {
		p.Status = model.PaymentStatusFailed
		if providerRef != "" {
			p.ProviderRef = &providerRef
		}
		r.db.payments[id] = p
	}
	return nil
}

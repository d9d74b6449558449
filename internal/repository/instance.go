package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/botfleet/orchestrator/internal/database"
	"github.com/botfleet/orchestrator/internal/model"
)

type InstanceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Instance, error)
	FindByIDForUpdate(ctx context.Context, id string) (*model.Instance, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Instance, error)
	ListByState(ctx context.Context, state model.DeploymentState) ([]model.Instance, error)
	ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Instance, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	Create(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error)
	// Transition moves id from one of the from states to to, writing change
	// in the same statement. It returns nil when the row is not in any of
	// the expected states.
	Transition(ctx context.Context, id string, from []model.DeploymentState, to model.DeploymentState, change model.InstanceChange) (*model.Instance, error)
	Update(ctx context.Context, id string, change model.InstanceChange) error
	TouchLastActive(ctx context.Context, id string, at time.Time) error
	ExtendExpiryForOwner(ctx context.Context, ownerID string, until time.Time) (int64, error)
	ClearExpiredPairing(ctx context.Context, startedBefore time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) InstanceRepository
}

type instanceRepo struct {
	db database.DBTX
}

func NewInstanceRepository(db *sqlx.DB) InstanceRepository {
	return &instanceRepo{db: db}
}

func (r *instanceRepo) WithTx(tx *sqlx.Tx) InstanceRepository {
	return &instanceRepo{db: tx}
}

func (r *instanceRepo) FindByID(ctx context.Context, id string) (*model.Instance, error) {
	return getOptional[model.Instance](ctx, r.db, `SELECT * FROM instances WHERE id = $1`, id)
}

func (r *instanceRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Instance, error) {
	return getOptional[model.Instance](ctx, r.db, `SELECT * FROM instances WHERE id = $1 FOR UPDATE`, id)
}

func (r *instanceRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Instance, error) {
	var instances []model.Instance
	err := r.db.SelectContext(ctx, &instances, `
		SELECT * FROM instances
		WHERE owner_id = $1
		ORDER BY
			CASE deployment_state
				WHEN 'online' THEN 1
				WHEN 'pairing' THEN 2
				WHEN 'creds_uploaded' THEN 3
				WHEN 'deploying' THEN 4
				WHEN 'created' THEN 5
				ELSE 6
			END,
			created_at DESC
	`, ownerID)
	return instances, err
}

func (r *instanceRepo) ListByState(ctx context.Context, state model.DeploymentState) ([]model.Instance, error) {
	var instances []model.Instance
	err := r.db.SelectContext(ctx, &instances, `
		SELECT * FROM instances
		WHERE deployment_state = $1
		ORDER BY last_active_at DESC NULLS LAST
	`, state)
	return instances, err
}

func (r *instanceRepo) ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Instance, error) {
	var instances []model.Instance
	err := r.db.SelectContext(ctx, &instances, `
		SELECT * FROM instances
		WHERE deployment_state IN ('deploying', 'online')
		AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	return instances, err
}

func (r *instanceRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM instances WHERE owner_id = $1`, ownerID)
	return count, err
}

func (r *instanceRepo) Create(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error) {
	var inst model.Instance
	err := r.db.GetContext(ctx, &inst, `
		INSERT INTO instances (owner_id, name, external_account_number, deployment_state, expires_at)
		VALUES ($1, $2, $3, 'created', $4)
		RETURNING *
	`, params.OwnerID, params.Name, params.ExternalAccountNumber, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *instanceRepo) Transition(
	ctx context.Context,
	id string,
	from []model.DeploymentState,
	to model.DeploymentState,
	change model.InstanceChange,
) (*model.Instance, error) {
	sets, args := changeAssignments(change, 3)
	sets = append([]string{"deployment_state = $2"}, sets...)

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	args = append([]any{id, to}, args...)
	args = append(args, pq.Array(states))

	query := fmt.Sprintf(`
		UPDATE instances SET %s, updated_at = NOW()
		WHERE id = $1 AND deployment_state = ANY($%d)
		RETURNING *
	`, strings.Join(sets, ", "), len(args))

	return getOptional[model.Instance](ctx, r.db, query, args...)
}

func (r *instanceRepo) Update(ctx context.Context, id string, change model.InstanceChange) error {
	sets, args := changeAssignments(change, 2)
	if len(sets) == 0 {
		return nil
	}
	args = append([]any{id}, args...)

	query := fmt.Sprintf(`UPDATE instances SET %s, updated_at = NOW() WHERE id = $1`, strings.Join(sets, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *instanceRepo) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE instances SET last_active_at = GREATEST(COALESCE(last_active_at, $2), $2)
		WHERE id = $1
	`, id, at)
	return err
}

func (r *instanceRepo) ExtendExpiryForOwner(ctx context.Context, ownerID string, until time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE instances SET expires_at = $2, updated_at = NOW()
		WHERE owner_id = $1 AND (expires_at IS NULL OR expires_at < $2)
	`, ownerID, until)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *instanceRepo) ClearExpiredPairing(ctx context.Context, startedBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE instances SET pairing_code = NULL, updated_at = NOW()
		WHERE pairing_code IS NOT NULL AND pairing_started_at < $1
	`, startedBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *instanceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
	return err
}

// changeAssignments renders the SET clauses for change, numbering
// placeholders from start.
func changeAssignments(change model.InstanceChange, start int) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, start+len(args)))
		args = append(args, value)
	}

	if change.ExternalAccountNumber != nil {
		add("external_account_number", *change.ExternalAccountNumber)
	}
	if change.PairingCode != nil {
		add("pairing_code", *change.PairingCode)
	} else if change.ClearPairing {
		sets = append(sets, "pairing_code = NULL")
	}
	if change.PairingStartedAt != nil {
		add("pairing_started_at", *change.PairingStartedAt)
	} else if change.ClearPairing {
		sets = append(sets, "pairing_started_at = NULL")
	}
	if change.CredentialsBlob != nil {
		add("credentials_blob", *change.CredentialsBlob)
	} else if change.ClearCredentials {
		sets = append(sets, "credentials_blob = NULL")
	}
	if change.CredentialsPassphrase != nil {
		add("credentials_passphrase", *change.CredentialsPassphrase)
	} else if change.ClearCredentials {
		sets = append(sets, "credentials_passphrase = NULL")
	}
	if change.RunnerInstanceID != nil {
		add("runner_instance_id", *change.RunnerInstanceID)
	} else if change.ClearRunner {
		sets = append(sets, "runner_instance_id = NULL")
	}
	if change.CredsUploadedAt != nil {
		add("creds_uploaded_at", *change.CredsUploadedAt)
	}
	if change.DeployedAt != nil {
		add("deployed_at", *change.DeployedAt)
	}
	if change.LastActiveAt != nil {
		n := start + len(args)
		sets = append(sets, fmt.Sprintf("last_active_at = GREATEST(COALESCE(last_active_at, $%d), $%d)", n, n))
		args = append(args, *change.LastActiveAt)
	}

	return sets, args
}

// Package reporter is the only code path that writes an instance's
// deployment state. Every write is validated against the lifecycle,
// applied as a compare-and-swap on the prior state, logged, counted and
// published to the owner's event stream.
package reporter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/lifecycle"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/repository"
)

type Publisher interface {
	Publish(ctx context.Context, ownerID string, event events.Event) error
}

// StateEvent is the payload published for every transition.
type StateEvent struct {
	InstanceID    string                `json:"instanceId"`
	State         model.DeploymentState `json:"state"`
	PreviousState model.DeploymentState `json:"previousState"`
	Trigger       lifecycle.Trigger     `json:"trigger"`
	At            time.Time             `json:"at"`
}

type Reporter struct {
	instances repository.InstanceRepository
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(instances repository.InstanceRepository, publisher Publisher, m *metrics.Metrics) *Reporter {
	return &Reporter{
		instances: instances,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// Register inserts a new instance in the created state.
func (r *Reporter) Register(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error) {
	inst, err := r.instances.Create(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("instanceId", inst.ID).
		Str("ownerId", inst.OwnerID).
		Msg("instance created")
	r.publish(ctx, inst, "", lifecycle.Trigger("create"))
	return inst, nil
}

// Check validates trigger against inst without writing anything.
func (r *Reporter) Check(inst *model.Instance, trigger lifecycle.Trigger) error {
	if _, err := lifecycle.Next(inst.DeploymentState, trigger); err != nil {
		r.metrics.Rejected(string(trigger), string(apperrors.GetCode(err)))
		return err
	}
	return nil
}

// Apply moves inst along trigger, writing change in the same statement.
// The write only succeeds while the stored state still equals
// inst.DeploymentState; otherwise STATE_CHANGED is returned.
func (r *Reporter) Apply(
	ctx context.Context,
	inst *model.Instance,
	trigger lifecycle.Trigger,
	change model.InstanceChange,
) (*model.Instance, error) {
	to, err := lifecycle.Next(inst.DeploymentState, trigger)
	if err != nil {
		r.metrics.Rejected(string(trigger), string(apperrors.GetCode(err)))
		return nil, err
	}

	if to == model.StateDeleted {
		if err := r.instances.Delete(ctx, inst.ID); err != nil {
			return nil, apperrors.Database(err)
		}
		deleted := *inst
		deleted.DeploymentState = model.StateDeleted
		r.record(ctx, &deleted, inst.DeploymentState, trigger)
		return &deleted, nil
	}

	updated, err := r.instances.Transition(ctx, inst.ID, []model.DeploymentState{inst.DeploymentState}, to, change)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.StateChanged()
	}

	r.record(ctx, updated, inst.DeploymentState, trigger)
	return updated, nil
}

// Update writes non-state columns.
func (r *Reporter) Update(ctx context.Context, id string, change model.InstanceChange) error {
	if err := r.instances.Update(ctx, id, change); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// TouchActive advances last_active_at; older timestamps are ignored.
func (r *Reporter) TouchActive(ctx context.Context, id string, at time.Time) error {
	if err := r.instances.TouchLastActive(ctx, id, at); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (r *Reporter) record(ctx context.Context, inst *model.Instance, from model.DeploymentState, trigger lifecycle.Trigger) {
	log.Info().
		Str("instanceId", inst.ID).
		Str("ownerId", inst.OwnerID).
		Str("from", string(from)).
		Str("to", string(inst.DeploymentState)).
		Str("trigger", string(trigger)).
		Msg("instance state changed")

	r.metrics.Transition(string(from), string(inst.DeploymentState), string(trigger))
	r.publish(ctx, inst, from, trigger)
}

func (r *Reporter) publish(ctx context.Context, inst *model.Instance, from model.DeploymentState, trigger lifecycle.Trigger) {
	if r.publisher == nil {
		return
	}

	ev, err := events.NewEvent(events.TypeInstanceState, StateEvent{
		InstanceID:    inst.ID,
		State:         inst.DeploymentState,
		PreviousState: from,
		Trigger:       trigger,
		At:            r.now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode state event")
		return
	}

	// Publishing must not outlive or fail the transition that was already written.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, inst.OwnerID, ev); err != nil {
		log.Warn().Err(err).Str("instanceId", inst.ID).Msg("failed to publish state event")
	}
}

package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/lifecycle"
	"github.com/botfleet/orchestrator/internal/model"
)

// RestoreResult counts the outcome of a Restore pass.
type RestoreResult struct {
	Total  int `json:"total"`
	Online int `json:"online"`
	Failed int `json:"failed"`
}

// Restore reconnects every instance recorded as online and resumes deploys
// that a restart interrupted. Each instance is attempted independently.
// Online records that cannot reconnect are written offline; interrupted
// deploys that cannot connect are written deploy_failed. It returns once
// every attempt has settled.
func (o *Orchestrator) Restore(ctx context.Context) (RestoreResult, error) {
	var instances []model.Instance
	for _, state := range []model.DeploymentState{model.StateOnline, model.StateDeploying} {
		found, err := o.store.Instances.ListByState(ctx, state)
		if err != nil {
			return RestoreResult{}, apperrors.Database(err)
		}
		instances = append(instances, found...)
	}

	log.Info().Int("count", len(instances)).Msg("restoring instances")

	var online, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.RestoreConcurrency)

	for i := range instances {
		inst := &instances[i]
		g.Go(func() error {
			if o.restoreOne(gctx, inst) {
				online.Add(1)
				o.metrics.Restore("online")
			} else {
				failed.Add(1)
				o.metrics.Restore("failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	result := RestoreResult{
		Total:  len(instances),
		Online: int(online.Load()),
		Failed: int(failed.Load()),
	}
	log.Info().
		Int("total", result.Total).
		Int("online", result.Online).
		Int("failed", result.Failed).
		Msg("restore finished")

	return result, ctx.Err()
}

// restoreFailure is the trigger written when an instance found in state
// cannot be brought back.
func restoreFailure(state model.DeploymentState) lifecycle.Trigger {
	if state == model.StateDeploying {
		return lifecycle.TriggerDeployFailed
	}
	return lifecycle.TriggerRestoreFailed
}

func (o *Orchestrator) restoreOne(ctx context.Context, inst *model.Instance) bool {
	failTrigger := restoreFailure(inst.DeploymentState)
	if !inst.HasCredentials() {
		o.markRestoreFailed(ctx, inst.ID, failTrigger, apperrors.CredentialsRequired())
		return false
	}

	sess, _ := o.startSession(inst, failTrigger)
	if sess == nil {
		return false
	}

	select {
	case <-sess.Settled():
		return sess.Online()
	case <-ctx.Done():
		return false
	}
}

// markRestoreFailed handles records that cannot even start a session.
func (o *Orchestrator) markRestoreFailed(ctx context.Context, id string, trigger lifecycle.Trigger, cause error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return
	}
	defer unlock()

	inst, err := o.find(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("instanceId", id).Msg("restore: failed to load instance")
		return
	}
	if _, err := o.reporter.Apply(ctx, inst, trigger, model.InstanceChange{ClearRunner: true}); err != nil {
		log.Error().Err(err).Str("instanceId", id).Msg("restore: failed to record failure")
		return
	}
	log.Warn().Err(cause).Str("instanceId", id).Msg("instance could not be restored")
}

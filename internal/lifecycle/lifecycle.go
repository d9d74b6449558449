// Package lifecycle defines the deployment state machine of an instance.
package lifecycle

import (
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/model"
)

type Trigger string

const (
	TriggerPair               Trigger = "pair"
	TriggerPairingFailed      Trigger = "pairing_failed"
	TriggerUploadCredentials  Trigger = "upload_credentials"
	TriggerDeploy             Trigger = "deploy"
	TriggerConnected          Trigger = "connected"
	TriggerDeployFailed       Trigger = "deploy_failed"
	TriggerStop               Trigger = "stop"
	TriggerLoggedOut          Trigger = "logged_out"
	TriggerReconnectExhausted Trigger = "reconnect_exhausted"
	TriggerRestoreFailed      Trigger = "restore_failed"
	TriggerExpired            Trigger = "expired"
	TriggerDelete             Trigger = "delete"
)

type edge struct {
	from []model.DeploymentState
	to   model.DeploymentState
}

var (
	restartable = []model.DeploymentState{
		model.StateCreated, model.StatePairing, model.StatePairingFailed,
		model.StateDeployFailed, model.StateOffline,
	}
	running = []model.DeploymentState{model.StateDeploying, model.StateOnline}

	allStates = []model.DeploymentState{
		model.StateCreated, model.StatePairing, model.StatePairingFailed,
		model.StateCredsUploaded, model.StateDeploying, model.StateOnline,
		model.StateDeployFailed, model.StateOffline,
	}
)

var edges = map[Trigger]edge{
	TriggerPair:          {from: restartable, to: model.StatePairing},
	TriggerPairingFailed: {from: []model.DeploymentState{model.StatePairing}, to: model.StatePairingFailed},
	TriggerUploadCredentials: {
		from: []model.DeploymentState{
			model.StatePairing, model.StateCredsUploaded, model.StateDeployFailed, model.StateOffline,
		},
		to: model.StateCredsUploaded,
	},
	TriggerDeploy: {
		from: []model.DeploymentState{model.StateCredsUploaded, model.StateDeployFailed, model.StateOffline},
		to:   model.StateDeploying,
	},
	TriggerConnected:          {from: running, to: model.StateOnline},
	TriggerDeployFailed:       {from: []model.DeploymentState{model.StateDeploying}, to: model.StateDeployFailed},
	TriggerStop:               {from: running, to: model.StateOffline},
	TriggerLoggedOut:          {from: []model.DeploymentState{model.StateOnline}, to: model.StateOffline},
	TriggerReconnectExhausted: {from: []model.DeploymentState{model.StateOnline}, to: model.StateOffline},
	TriggerRestoreFailed:      {from: []model.DeploymentState{model.StateOnline}, to: model.StateOffline},
	TriggerExpired:            {from: running, to: model.StateOffline},
	TriggerDelete:             {from: allStates, to: model.StateDeleted},
}

// Sources returns the states trigger may fire from.
func Sources(trigger Trigger) []model.DeploymentState {
	return edges[trigger].from
}

// Next returns the state reached by applying trigger in from, or a typed
// error describing why the transition is not allowed.
func Next(from model.DeploymentState, trigger Trigger) (model.DeploymentState, error) {
	e, ok := edges[trigger]
	if !ok {
		return "", apperrors.InvalidTransition(string(from), string(trigger))
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", rejection(from, trigger)
}

func rejection(from model.DeploymentState, trigger Trigger) error {
	switch {
	case from == model.StateDeploying && (trigger == TriggerDeploy || trigger == TriggerPair || trigger == TriggerUploadCredentials):
		return apperrors.AlreadyDeploying()
	case from == model.StateOnline && (trigger == TriggerDeploy || trigger == TriggerPair || trigger == TriggerUploadCredentials):
		return apperrors.AlreadyOnline()
	case trigger == TriggerUploadCredentials && (from == model.StateCreated || from == model.StatePairingFailed):
		return apperrors.PairingRequired()
	case trigger == TriggerDeploy:
		return apperrors.CredentialsRequired()
	case trigger == TriggerStop:
		return apperrors.NotRunning()
	default:
		return apperrors.InvalidTransition(string(from), string(trigger))
	}
}

// Allowed reports whether trigger may fire in from.
func Allowed(from model.DeploymentState, trigger Trigger) bool {
	_, err := Next(from, trigger)
	return err == nil
}

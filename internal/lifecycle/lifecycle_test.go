package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/model"
)

func TestNextLegalTransitions(t *testing.T) {
	tests := []struct {
		from    model.DeploymentState
		trigger Trigger
		to      model.DeploymentState
	}{
		{model.StateCreated, TriggerPair, model.StatePairing},
		{model.StatePairing, TriggerPair, model.StatePairing},
		{model.StateOffline, TriggerPair, model.StatePairing},
		{model.StatePairing, TriggerPairingFailed, model.StatePairingFailed},
		{model.StatePairing, TriggerUploadCredentials, model.StateCredsUploaded},
		{model.StateCredsUploaded, TriggerUploadCredentials, model.StateCredsUploaded},
		{model.StateCredsUploaded, TriggerDeploy, model.StateDeploying},
		{model.StateDeployFailed, TriggerDeploy, model.StateDeploying},
		{model.StateOffline, TriggerDeploy, model.StateDeploying},
		{model.StateDeploying, TriggerConnected, model.StateOnline},
		{model.StateOnline, TriggerConnected, model.StateOnline},
		{model.StateDeploying, TriggerDeployFailed, model.StateDeployFailed},
		{model.StateDeploying, TriggerStop, model.StateOffline},
		{model.StateOnline, TriggerStop, model.StateOffline},
		{model.StateOnline, TriggerLoggedOut, model.StateOffline},
		{model.StateOnline, TriggerReconnectExhausted, model.StateOffline},
		{model.StateOnline, TriggerRestoreFailed, model.StateOffline},
		{model.StateOnline, TriggerExpired, model.StateOffline},
		{model.StateCreated, TriggerDelete, model.StateDeleted},
		{model.StateOnline, TriggerDelete, model.StateDeleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			to, err := Next(tt.from, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestNextRejections(t *testing.T) {
	tests := []struct {
		from    model.DeploymentState
		trigger Trigger
		code    apperrors.ErrorCode
	}{
		{model.StateDeploying, TriggerDeploy, apperrors.ErrCodeAlreadyDeploying},
		{model.StateOnline, TriggerDeploy, apperrors.ErrCodeAlreadyOnline},
		{model.StateOnline, TriggerPair, apperrors.ErrCodeAlreadyOnline},
		{model.StateDeploying, TriggerUploadCredentials, apperrors.ErrCodeAlreadyDeploying},
		{model.StateCreated, TriggerUploadCredentials, apperrors.ErrCodePairingRequired},
		{model.StateCreated, TriggerDeploy, apperrors.ErrCodeCredentialsRequired},
		{model.StatePairing, TriggerDeploy, apperrors.ErrCodeCredentialsRequired},
		{model.StateOffline, TriggerStop, apperrors.ErrCodeNotRunning},
		{model.StateCreated, TriggerConnected, apperrors.ErrCodeInvalidTransition},
		{model.StateCreated, TriggerPairingFailed, apperrors.ErrCodeInvalidTransition},
		{model.StateDeleted, TriggerDelete, apperrors.ErrCodeInvalidTransition},
		{model.StateCreated, Trigger("bogus"), apperrors.ErrCodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			_, err := Next(tt.from, tt.trigger)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
			assert.False(t, Allowed(tt.from, tt.trigger))
		})
	}
}

func TestOnlineOnlyReachedThroughConnected(t *testing.T) {
	for trigger, e := range edges {
		if e.to == model.StateOnline {
			assert.Equal(t, TriggerConnected, trigger)
		}
	}
}

func TestSourcesMatchesNext(t *testing.T) {
	for _, s := range Sources(TriggerStop) {
		assert.True(t, s.Running())
	}
}

package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/connector"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/model"
)

func TestRestore(t *testing.T) {
	t.Run("isolates failures", func(t *testing.T) {
		h := newHarness(t)

		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, h.instanceWithCredentials(model.StateOnline).ID)
		}
		h.fake.SetRefuse(ids[1], connector.ReasonForbidden)
		h.fake.SetRefuse(ids[3], connector.ReasonForbidden)
		offline := h.instanceWithCredentials(model.StateOffline)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Total: 5, Online: 3, Failed: 2}, result)

		for i, id := range ids {
			want := model.StateOnline
			if i == 1 || i == 3 {
				want = model.StateOffline
			}
			assert.Equal(t, want, h.get(id).DeploymentState, "instance %d", i)
		}
		assert.Equal(t, 3, h.registry.Len())
		assert.Equal(t, 0, h.fake.Opens(offline.ID))
		h.assertConsistent()
	})

	t.Run("record without credentials fails without connecting", func(t *testing.T) {
		h := newHarness(t)
		inst := h.instance(model.StateOnline)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Total: 1, Online: 0, Failed: 1}, result)
		assert.Equal(t, model.StateOffline, h.get(inst.ID).DeploymentState)
		assert.Equal(t, 0, h.fake.Opens(inst.ID))
	})

	t.Run("undecryptable credentials fail", func(t *testing.T) {
		h := newHarness(t)
		inst := h.instance(model.StateOnline)
		garbage := "v1:AAAA"
		inst.CredentialsBlob = &garbage
		h.db.PutInstance(inst)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, model.StateOffline, h.get(inst.ID).DeploymentState)
		h.assertConsistent()
	})

	t.Run("resumes interrupted deploy", func(t *testing.T) {
		h := newHarness(t)
		inst := h.instanceWithCredentials(model.StateDeploying)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Total: 1, Online: 1, Failed: 0}, result)
		assert.Equal(t, model.StateOnline, h.get(inst.ID).DeploymentState)
		h.assertConsistent()
	})

	t.Run("interrupted deploy that cannot connect fails the deploy", func(t *testing.T) {
		h := newHarness(t)
		h.subscribe(testOwner, model.PlanBasic)
		inst := h.instanceWithCredentials(model.StateDeploying)
		h.fake.SetRefuse(inst.ID, connector.ReasonForbidden)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Total: 1, Online: 0, Failed: 1}, result)
		assert.Equal(t, model.StateDeployFailed, h.get(inst.ID).DeploymentState)

		h.fake.SetRefuse(inst.ID, "")
		_, err = h.orch.Deploy(context.Background(), testOwner, inst.ID)
		require.NoError(t, err)
		h.waitState(inst.ID, model.StateOnline)
	})

	t.Run("interrupted deploy without credentials fails the deploy", func(t *testing.T) {
		h := newHarness(t)
		inst := h.instance(model.StateDeploying)

		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, model.StateDeployFailed, h.get(inst.ID).DeploymentState)
		assert.Equal(t, 0, h.fake.Opens(inst.ID))
	})

	t.Run("deploy cut off by a restart completes after restore", func(t *testing.T) {
		h := newHarness(t)
		h.subscribe(testOwner, model.PlanBasic)
		inst := h.instanceWithCredentials(model.StateCredsUploaded)

		h.fake.SetAutoOpen(false)
		_, err := h.orch.Deploy(context.Background(), testOwner, inst.ID)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return h.fake.Opens(inst.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

		h.restart()
		assert.Equal(t, model.StateDeploying, h.get(inst.ID).DeploymentState)

		h.fake.SetAutoOpen(true)
		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Total: 1, Online: 1, Failed: 0}, result)
		assert.Equal(t, model.StateOnline, h.get(inst.ID).DeploymentState)

		_, err = h.orch.Deploy(context.Background(), testOwner, inst.ID)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadyOnline))
		h.assertConsistent()
	})

	t.Run("list failure is retryable", func(t *testing.T) {
		h := newHarness(t)
		h.db.FailNext("instances.ListByState", errors.New("connection refused"))

		_, err := h.orch.Restore(context.Background())
		assert.Error(t, err)
	})

	t.Run("nothing to restore", func(t *testing.T) {
		h := newHarness(t)
		result, err := h.orch.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{}, result)
	})
}

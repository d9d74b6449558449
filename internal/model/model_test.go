package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPlan(t *testing.T) {
	p, ok := LookupPlan(PlanPro)
	assert.True(t, ok)
	assert.Equal(t, 3, p.MaxInstances)
	assert.Equal(t, "24.99", p.Price.StringFixed(2))

	_, ok = LookupPlan("platinum")
	assert.False(t, ok)

	assert.Len(t, PurchasablePlans(), 3)
}

func TestSubscriptionCurrent(t *testing.T) {
	now := time.Now()

	t.Run("nil subscription is not current", func(t *testing.T) {
		var s *Subscription
		assert.False(t, s.Current(now))
	})

	t.Run("active and unexpired", func(t *testing.T) {
		s := &Subscription{IsActive: true, ExpiresAt: now.Add(36 * time.Hour), Plan: PlanBusiness}
		assert.True(t, s.Current(now))
		assert.Equal(t, 2, s.DaysRemaining(now))
		assert.Equal(t, 10, s.MaxInstances())
	})

	t.Run("expired", func(t *testing.T) {
		s := &Subscription{IsActive: true, ExpiresAt: now.Add(-time.Second)}
		assert.False(t, s.Current(now))
		assert.Equal(t, 0, s.DaysRemaining(now))
	})
}

func TestInstanceHelpers(t *testing.T) {
	now := time.Now()

	t.Run("pairing window", func(t *testing.T) {
		started := now.Add(-time.Minute)
		inst := &Instance{PairingStartedAt: &started}
		assert.False(t, inst.PairingExpired(now, 2*time.Minute))
		assert.True(t, inst.PairingExpired(now, time.Minute))
		assert.True(t, (&Instance{}).PairingExpired(now, time.Hour))
	})

	t.Run("credentials presence", func(t *testing.T) {
		empty := ""
		blob := "sealed"
		assert.False(t, (&Instance{}).HasCredentials())
		assert.False(t, (&Instance{CredentialsBlob: &empty}).HasCredentials())
		assert.True(t, (&Instance{CredentialsBlob: &blob}).HasCredentials())
	})

	t.Run("running states", func(t *testing.T) {
		assert.True(t, StateOnline.Running())
		assert.True(t, StateDeploying.Running())
		assert.False(t, StateOffline.Running())
	})

	t.Run("change apply clears then sets", func(t *testing.T) {
		code := "OLD"
		runner := "r-1"
		inst := &Instance{PairingCode: &code, RunnerInstanceID: &runner}
		InstanceChange{ClearPairing: true, ClearRunner: true}.Apply(inst)
		assert.Nil(t, inst.PairingCode)
		assert.Nil(t, inst.RunnerInstanceID)
	})

	t.Run("change apply never moves last active backwards", func(t *testing.T) {
		inst := &Instance{}
		InstanceChange{LastActiveAt: &now}.Apply(inst)
		require.NotNil(t, inst.LastActiveAt)
		assert.True(t, now.Equal(*inst.LastActiveAt))

		earlier := now.Add(-time.Minute)
		InstanceChange{LastActiveAt: &earlier}.Apply(inst)
		assert.True(t, now.Equal(*inst.LastActiveAt))
	})
}

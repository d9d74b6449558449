package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/connector/connectortest"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/registry"
	"github.com/botfleet/orchestrator/internal/reporter"
	"github.com/botfleet/orchestrator/internal/repository/memrepo"
	"github.com/botfleet/orchestrator/internal/vault"
)

const (
	testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testOwner    = "owner-1"
)

var testBundle = json.RawMessage(`{"clientId":"c1","serverToken":"s1","clientToken":"t1"}`)

type recorder struct {
	mu     sync.Mutex
	states []reporter.StateEvent
}

func (r *recorder) Publish(ctx context.Context, ownerID string, event events.Event) error {
	var ev reporter.StateEvent
	if err := json.Unmarshal(event.Data, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.states = append(r.states, ev)
	r.mu.Unlock()
	return nil
}

// count returns how many transitions into state were published for id.
func (r *recorder) count(id string, state model.DeploymentState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.states {
		if ev.InstanceID == id && ev.State == state {
			n++
		}
	}
	return n
}

// testClock returns the wall clock until a test pins it.
type testClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() {
		return time.Now()
	}
	return c.at
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	c.at = at
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	db       *memrepo.DB
	fake     *connectortest.Fake
	registry *registry.Registry
	vault    *vault.Vault
	workdir  *vault.Workdir
	events   *recorder
	clock    *testClock
	cfg      Config
	orch     *Orchestrator
}

// build wires an orchestrator over the harness store and registry.
func (h *harness) build() *Orchestrator {
	o := New(h.cfg, Deps{
		Store:     h.db.Store(),
		Reporter:  reporter.New(h.db.Store().Instances, h.events, metrics.New()),
		Vault:     h.vault,
		Workdir:   h.workdir,
		Connector: h.fake,
		Registry:  h.registry,
		Metrics:   metrics.New(),
	})
	o.now = h.clock.Now
	h.t.Cleanup(func() {
		_ = o.Shutdown(context.Background())
	})
	return o
}

// restart shuts the orchestrator down and boots a new one on the same
// store, the way a process restart would.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.orch.Shutdown(context.Background()))
	h.registry = registry.New()
	h.orch = h.build()
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		PairingWindow:        2 * time.Minute,
		ConnectTimeout:       2 * time.Second,
		ReconnectMaxAttempts: 3,
		ReconnectInitial:     5 * time.Millisecond,
		ReconnectMaxInterval: 20 * time.Millisecond,
		RestoreConcurrency:   4,
		CloseTimeout:         time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	v, err := vault.New(testVaultKey)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		db:       memrepo.New(),
		fake:     connectortest.New(),
		registry: registry.New(),
		vault:    v,
		workdir:  vault.NewWorkdir(afero.NewMemMapFs(), "/sessions"),
		events:   &recorder{},
		clock:    &testClock{},
	}
	h.fake.AutoOpen = true

	h.cfg = cfg
	h.orch = h.build()
	return h
}

func (h *harness) subscribe(owner string, plan model.PlanID) model.Subscription {
	return h.db.PutSubscription(model.Subscription{
		OwnerID:   owner,
		Plan:      plan,
		Status:    model.SubscriptionStatusActive,
		IsActive:  true,
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	})
}

func (h *harness) instance(state model.DeploymentState) model.Instance {
	return h.db.PutInstance(model.Instance{OwnerID: testOwner, Name: "bot", DeploymentState: state})
}

// instanceWithCredentials stores a record in state whose bundle is sealed
// for its own ID.
func (h *harness) instanceWithCredentials(state model.DeploymentState) model.Instance {
	inst := h.instance(state)
	b, err := vault.ParseBundle(testBundle)
	require.NoError(h.t, err)
	sealed, err := h.vault.Seal(inst.ID, b)
	require.NoError(h.t, err)
	inst.CredentialsBlob = &sealed
	return h.db.PutInstance(inst)
}

func (h *harness) get(id string) model.Instance {
	inst, err := h.db.Store().Instances.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, inst)
	return *inst
}

func (h *harness) waitState(id string, state model.DeploymentState) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		inst, _ := h.db.Store().Instances.FindByID(context.Background(), id)
		return inst != nil && inst.DeploymentState == state
	}, 3*time.Second, 5*time.Millisecond, "instance never reached %s", state)
}

// assertConsistent checks that exactly the online records have sessions.
func (h *harness) assertConsistent() {
	h.t.Helper()
	for _, inst := range h.db.Instances() {
		_, live := h.registry.Get(inst.ID)
		assert.Equal(h.t, inst.DeploymentState == model.StateOnline, live,
			"instance %s in %s, live=%v", inst.ID, inst.DeploymentState, live)
	}
}

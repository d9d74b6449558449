// Package orchestrator drives instances through their lifecycle. It owns
// the user-facing commands, the per-instance protocol sessions and the
// restore pass run at boot.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/connector"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/lifecycle"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/registry"
	"github.com/botfleet/orchestrator/internal/reporter"
	"github.com/botfleet/orchestrator/internal/repository"
	"github.com/botfleet/orchestrator/internal/util"
	"github.com/botfleet/orchestrator/internal/vault"
)

const (
	pairingCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingCodeLength = 8
	maxNameLength     = 100
)

// Config tunes session timing. Zero values fall back to defaults.
type Config struct {
	PairingWindow        time.Duration
	ConnectTimeout       time.Duration
	ReconnectMaxAttempts int
	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	RestoreConcurrency   int
	ActivityInterval     time.Duration
	CloseTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PairingWindow <= 0 {
		c.PairingWindow = 120 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 60 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	if c.RestoreConcurrency <= 0 {
		c.RestoreConcurrency = 8
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     repository.Store
	Reporter  *reporter.Reporter
	Vault     *vault.Vault
	Workdir   *vault.Workdir
	Connector connector.Connector
	Registry  *registry.Registry
	Metrics   *metrics.Metrics
}

// Orchestrator runs instance commands and owns the live sessions.
type Orchestrator struct {
	cfg       Config
	store     repository.Store
	reporter  *reporter.Reporter
	vault     *vault.Vault
	workdir   *vault.Workdir
	connector connector.Connector
	registry  *registry.Registry
	metrics   *metrics.Metrics

	locks   *keyedLock
	now     func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

func New(cfg Config, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		reporter:  deps.Reporter,
		vault:     deps.Vault,
		workdir:   deps.Workdir,
		connector: deps.Connector,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		locks:     newKeyedLock(),
		now:       time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// PairingResult is the code handed to the owner for linking a device.
type PairingResult struct {
	PairingCode string    `json:"pairingCode"`
	ExpiresIn   int       `json:"expiresIn"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Status is the persisted state of an instance plus whether a session is live.
type Status struct {
	ID              string                `json:"id"`
	DeploymentState model.DeploymentState `json:"deploymentState"`
	LastActiveAt    *time.Time            `json:"lastActiveAt"`
	ExpiresAt       *time.Time            `json:"expiresAt,omitempty"`
	Live            bool                  `json:"live"`
}

// CreateInput carries the owner-supplied fields of a new instance.
type CreateInput struct {
	Name          string
	AccountNumber string
}

// Create registers a new instance for owner. The owner needs a current
// subscription with room for another instance.
func (o *Orchestrator) Create(ctx context.Context, ownerID string, in CreateInput) (*model.Instance, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.MissingRequired("name")
	}
	if len(name) > maxNameLength {
		return nil, apperrors.InvalidInput("name", "must be at most 100 characters")
	}

	var account *string
	if in.AccountNumber != "" {
		if !util.IsE164(in.AccountNumber) {
			return nil, apperrors.InvalidInput("accountNumber", "must be in E.164 format")
		}
		account = &in.AccountNumber
	}

	// Serialize creates per owner so the limit check and insert cannot interleave.
	unlock, err := o.locks.Lock(ctx, "owner:"+ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := o.requireSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	count, err := o.store.Instances.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if limit := sub.MaxInstances(); count >= limit {
		return nil, apperrors.InstanceLimitReached(limit)
	}

	expiresAt := sub.ExpiresAt
	return o.reporter.Register(ctx, model.CreateInstanceParams{
		OwnerID:               ownerID,
		Name:                  name,
		ExternalAccountNumber: account,
		ExpiresAt:             &expiresAt,
	})
}

func (o *Orchestrator) List(ctx context.Context, ownerID string) ([]model.Instance, error) {
	instances, err := o.store.Instances.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return instances, nil
}

func (o *Orchestrator) Get(ctx context.Context, ownerID, id string) (*model.Instance, error) {
	return o.load(ctx, ownerID, id)
}

func (o *Orchestrator) Status(ctx context.Context, ownerID, id string) (*Status, error) {
	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	_, live := o.registry.Get(id)
	return &Status{
		ID:              inst.ID,
		DeploymentState: inst.DeploymentState,
		LastActiveAt:    inst.LastActiveAt,
		ExpiresAt:       inst.ExpiresAt,
		Live:            live,
	}, nil
}

// Pair opens a pairing window with a fresh code. Pairing again replaces
// the previous code.
func (o *Orchestrator) Pair(ctx context.Context, ownerID, id, accountNumber string) (*PairingResult, error) {
	if accountNumber != "" && !util.IsE164(accountNumber) {
		return nil, apperrors.InvalidInput("accountNumber", "must be in E.164 format")
	}

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := o.reporter.Check(inst, lifecycle.TriggerPair); err != nil {
		return nil, err
	}
	if _, err := o.requireSubscription(ctx, ownerID); err != nil {
		return nil, err
	}

	code := generatePairingCode()
	now := o.now()
	change := model.InstanceChange{
		PairingCode:      &code,
		PairingStartedAt: &now,
	}
	if accountNumber != "" {
		change.ExternalAccountNumber = &accountNumber
	}

	if _, err := o.reporter.Apply(ctx, inst, lifecycle.TriggerPair, change); err != nil {
		return nil, err
	}

	log.Info().
		Str("instanceId", id).
		Str("code", util.MaskCode(code)).
		Msg("pairing window opened")

	return &PairingResult{
		PairingCode: code,
		ExpiresIn:   int(o.cfg.PairingWindow.Seconds()),
		ExpiresAt:   now.Add(o.cfg.PairingWindow),
	}, nil
}

// ReportPairingFailure is called by the runner when a pairing attempt was
// rejected by the account.
func (o *Orchestrator) ReportPairingFailure(ctx context.Context, id, reason string) (*model.Instance, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := o.reporter.Apply(ctx, inst, lifecycle.TriggerPairingFailed, model.InstanceChange{ClearPairing: true})
	if err != nil {
		return nil, err
	}
	log.Warn().Str("instanceId", id).Str("reason", reason).Msg("pairing failed")
	return updated, nil
}

type UploadInput struct {
	Credentials json.RawMessage
	Passphrase  string
}

// UploadCredentials validates and seals a credential bundle. Nothing is
// written when the bundle is invalid.
func (o *Orchestrator) UploadCredentials(ctx context.Context, ownerID, id string, in UploadInput) (*model.Instance, error) {
	bundle, err := vault.ParseBundle(in.Credentials)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := o.reporter.Check(inst, lifecycle.TriggerUploadCredentials); err != nil {
		return nil, err
	}
	if inst.DeploymentState == model.StatePairing && inst.PairingExpired(o.now(), o.cfg.PairingWindow) {
		return nil, apperrors.PairingRequired()
	}

	sealed, err := o.vault.Seal(id, bundle)
	if err != nil {
		return nil, err
	}
	now := o.now()
	change := model.InstanceChange{
		CredentialsBlob: &sealed,
		CredsUploadedAt: &now,
		ClearPairing:    true,
	}
	if in.Passphrase != "" {
		secret, err := o.vault.SealSecret(id, in.Passphrase)
		if err != nil {
			return nil, err
		}
		change.CredentialsPassphrase = &secret
	}

	return o.reporter.Apply(ctx, inst, lifecycle.TriggerUploadCredentials, change)
}

// Deploy writes deploying and starts the session in the background. The
// outcome arrives later as online or deploy_failed.
func (o *Orchestrator) Deploy(ctx context.Context, ownerID, id string) (*model.Instance, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return o.deployLocked(ctx, inst)
}

// Restart stops a running instance and deploys it again under the same
// lock. An instance that is not running is simply deployed.
func (o *Orchestrator) Restart(ctx context.Context, ownerID, id string) (*model.Instance, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.requireSubscription(ctx, ownerID); err != nil {
		return nil, err
	}
	if !inst.HasCredentials() {
		return nil, apperrors.CredentialsRequired()
	}
	if inst.DeploymentState.Running() {
		inst, err = o.stopLocked(ctx, inst, lifecycle.TriggerStop, false)
		if err != nil {
			return nil, err
		}
	}
	return o.deployLocked(ctx, inst)
}

// deployLocked runs with the instance lock held. Instances that are not
// running have their subscription checked before the transition.
func (o *Orchestrator) deployLocked(ctx context.Context, inst *model.Instance) (*model.Instance, error) {
	if !inst.DeploymentState.Running() {
		if _, err := o.requireSubscription(ctx, inst.OwnerID); err != nil {
			return nil, err
		}
	}
	if err := o.reporter.Check(inst, lifecycle.TriggerDeploy); err != nil {
		return nil, err
	}
	if !inst.HasCredentials() {
		return nil, apperrors.CredentialsRequired()
	}
	if o.closing.Load() {
		return nil, apperrors.Internal("Orchestrator is shutting down")
	}

	runnerID := uuid.NewString()
	now := o.now()
	updated, err := o.reporter.Apply(ctx, inst, lifecycle.TriggerDeploy, model.InstanceChange{
		RunnerInstanceID: &runnerID,
		DeployedAt:       &now,
	})
	if err != nil {
		return nil, err
	}

	o.startSession(updated, lifecycle.TriggerDeployFailed)
	return updated, nil
}

// Stop tears the session down and writes offline. A deploy still in
// flight is cancelled. With clearCredentials the sealed bundle and the
// working directory are removed as well.
func (o *Orchestrator) Stop(ctx context.Context, ownerID, id string, clearCredentials bool) (*model.Instance, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return o.stopLocked(ctx, inst, lifecycle.TriggerStop, clearCredentials)
}

// Expire stops a running instance whose paid period ended. Instances that
// are not running are left alone.
func (o *Orchestrator) Expire(ctx context.Context, id string) (bool, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	inst, err := o.find(ctx, id)
	if err != nil {
		return false, err
	}
	if !inst.DeploymentState.Running() || !inst.Expired(o.now()) {
		return false, nil
	}
	if _, err := o.stopLocked(ctx, inst, lifecycle.TriggerExpired, false); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) stopLocked(
	ctx context.Context,
	inst *model.Instance,
	trigger lifecycle.Trigger,
	clearCredentials bool,
) (*model.Instance, error) {
	if err := o.reporter.Check(inst, trigger); err != nil {
		return nil, err
	}

	o.teardown(inst.ID)

	change := model.InstanceChange{ClearRunner: true}
	if clearCredentials {
		change.ClearCredentials = true
		if err := o.workdir.Remove(inst.ID); err != nil {
			log.Error().Err(err).Str("instanceId", inst.ID).Msg("failed to remove working directory")
		}
	}

	updated, err := o.reporter.Apply(ctx, inst, trigger, change)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete tears down any session, removes the working directory and then
// the record.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, id string) error {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := o.load(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := o.reporter.Check(inst, lifecycle.TriggerDelete); err != nil {
		return err
	}

	o.teardown(id)
	if err := o.workdir.Remove(id); err != nil {
		log.Error().Err(err).Str("instanceId", id).Msg("failed to remove working directory")
	}

	_, err = o.reporter.Apply(ctx, inst, lifecycle.TriggerDelete, model.InstanceChange{})
	return err
}

// LiveSessions reports the number of registered sessions.
func (o *Orchestrator) LiveSessions() int {
	return o.registry.Len()
}

// Shutdown closes every session without touching persisted state, so the
// next boot restores instances that were online.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	sessions := o.registry.Drain()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("sessions", len(sessions)).Msg("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) requireSubscription(ctx context.Context, ownerID string) (*model.Subscription, error) {
	sub, err := o.store.Subscriptions.FindActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sub == nil {
		return nil, apperrors.SubscriptionRequired()
	}
	if !sub.Current(o.now()) {
		return nil, apperrors.SubscriptionExpired()
	}
	return sub, nil
}

// load fetches id and hides instances owned by someone else.
func (o *Orchestrator) load(ctx context.Context, ownerID, id string) (*model.Instance, error) {
	inst, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != ownerID {
		return nil, apperrors.NotFound("Instance")
	}
	return inst, nil
}

func (o *Orchestrator) find(ctx context.Context, id string) (*model.Instance, error) {
	if !util.IsValidUUID(id) {
		return nil, apperrors.NotFound("Instance")
	}
	inst, err := o.store.Instances.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if inst == nil {
		return nil, apperrors.NotFound("Instance")
	}
	return inst, nil
}

func generatePairingCode() string {
	code := util.RandomString(pairingCodeChars, pairingCodeLength)
	return code[:4] + "-" + code[4:]
}

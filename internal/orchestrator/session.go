package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/audit"
	"github.com/botfleet/orchestrator/internal/connector"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/lifecycle"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/registry"
	"github.com/botfleet/orchestrator/internal/vault"
)

// disconnectError carries the reason a connection attempt or a live
// connection ended.
type disconnectError struct {
	reason connector.DisconnectReason
}

func (e *disconnectError) Error() string {
	return "connection closed: " + string(e.reason)
}

func closedWith(reason connector.DisconnectReason) error {
	err := &disconnectError{reason: reason}
	if reason.Permanent() {
		return backoff.Permanent(err)
	}
	return err
}

func reasonOf(err error) connector.DisconnectReason {
	var de *disconnectError
	if errors.As(err, &de) {
		return de.reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return connector.ReasonTimedOut
	}
	return connector.ReasonUnknown
}

// startSession registers a session for inst and starts its goroutine. When
// a session already exists it is returned unchanged and nothing starts.
// failTrigger is written if the first connect attempt fails.
func (o *Orchestrator) startSession(inst *model.Instance, failTrigger lifecycle.Trigger) (*registry.Session, bool) {
	if existing, ok := o.registry.Get(inst.ID); ok {
		return existing, false
	}
	if o.closing.Load() {
		return nil, false
	}

	runnerID := uuid.NewString()
	if inst.RunnerInstanceID != nil {
		runnerID = *inst.RunnerInstanceID
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	sess := registry.NewSession(inst.ID, inst.OwnerID, runnerID, cancel)
	if !o.registry.Put(inst.ID, sess) {
		cancel()
		existing, _ := o.registry.Get(inst.ID)
		return existing, false
	}

	o.wg.Add(1)
	go o.runSession(ctx, sess, failTrigger)
	return sess, true
}

// teardown unregisters and cancels the session for id, waiting briefly for
// its goroutine to release the connection.
func (o *Orchestrator) teardown(id string) {
	sess, ok := o.registry.Remove(id)
	if !ok {
		return
	}
	sess.Cancel()

	select {
	case <-sess.Done():
	case <-time.After(o.cfg.CloseTimeout):
		log.Warn().Str("instanceId", id).Msg("session did not stop in time")
	}
}

func (o *Orchestrator) runSession(ctx context.Context, sess *registry.Session, failTrigger lifecycle.Trigger) {
	defer o.wg.Done()
	defer sess.MarkDone()
	defer func() {
		if conn := sess.Conn(); conn != nil {
			o.closeQuietly(sess.InstanceID, conn)
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	err := o.establish(ctx, connectCtx, sess)
	cancel()
	if err != nil {
		o.endSession(ctx, sess, failTrigger, err)
		return
	}

	if !o.markOnline(ctx, sess) {
		return
	}
	o.serve(ctx, sess)
}

// establish opens a connection and waits for it to report open, retrying
// transient failures with exponential backoff. waitCtx bounds the whole
// attempt; the connection itself lives for ctx.
func (o *Orchestrator) establish(ctx, waitCtx context.Context, sess *registry.Session) error {
	op := func() (connector.Connection, error) {
		conn, err := o.open(ctx, sess)
		if err != nil {
			return nil, err
		}
		if err := o.awaitOpen(waitCtx, sess, conn); err != nil {
			o.closeQuietly(sess.InstanceID, conn)
			return nil, err
		}
		return conn, nil
	}

	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("instanceId", sess.InstanceID).
			Dur("retryIn", next).
			Msg("connect attempt failed")
	}

	conn, err := backoff.Retry(waitCtx, op,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(o.cfg.ReconnectMaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return err
	}
	sess.SetConn(conn)
	return nil
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.ReconnectInitial
	b.MaxInterval = o.cfg.ReconnectMaxInterval
	return b
}

// open decrypts the stored bundle into the working directory and asks the
// connector for a session.
func (o *Orchestrator) open(ctx context.Context, sess *registry.Session) (connector.Connection, error) {
	inst, err := o.store.Instances.FindByID(ctx, sess.InstanceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if inst == nil || !inst.HasCredentials() {
		return nil, backoff.Permanent(apperrors.CredentialsRequired())
	}

	bundle, err := o.vault.Open(inst.ID, *inst.CredentialsBlob)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:       audit.EventDecryptionFailure,
			OwnerID:    inst.OwnerID,
			InstanceID: inst.ID,
		})
		return nil, backoff.Permanent(err)
	}

	dir, err := o.workdir.Materialize(inst.ID, bundle)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("materialize credentials: %w", err))
	}

	return o.connector.Open(ctx, inst.ID, dir)
}

// awaitOpen consumes events until the connection reports open or close.
func (o *Orchestrator) awaitOpen(ctx context.Context, sess *registry.Session, conn connector.Connection) error {
	timer := time.NewTimer(o.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return closedWith(connector.ReasonConnectionLost)
			}
			switch ev.Type {
			case connector.EventConnectionState:
				switch ev.State {
				case connector.StateOpen:
					return nil
				case connector.StateClose:
					return closedWith(ev.CloseReason())
				}
			case connector.EventCredentialsUpdated:
				o.persistCredentials(ctx, sess, ev.Credentials)
			}
		case <-timer.C:
			return closedWith(connector.ReasonTimedOut)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markOnline writes connected for a session that is still registered.
func (o *Orchestrator) markOnline(ctx context.Context, sess *registry.Session) bool {
	online := false
	defer func() { sess.Settle(online) }()

	unlock, err := o.locks.Lock(ctx, sess.InstanceID)
	if err != nil {
		return false
	}
	defer unlock()

	if !o.registry.Owns(sess.InstanceID, sess) {
		return false
	}

	inst, err := o.store.Instances.FindByID(ctx, sess.InstanceID)
	if err == nil && inst == nil {
		err = apperrors.NotFound("Instance")
	}
	if err == nil {
		now := o.now()
		_, err = o.reporter.Apply(ctx, inst, lifecycle.TriggerConnected, model.InstanceChange{LastActiveAt: &now})
	}
	if err != nil {
		log.Error().Err(err).Str("instanceId", sess.InstanceID).Msg("failed to record connection")
		o.registry.RemoveIf(sess.InstanceID, sess)
		return false
	}

	online = true
	return true
}

// serve handles events of a live connection, reconnecting after transient
// drops without touching persisted state.
func (o *Orchestrator) serve(ctx context.Context, sess *registry.Session) {
	var lastTouch time.Time

	for {
		conn := sess.Conn()
		reason, dropped := o.consume(ctx, sess, conn, &lastTouch)
		if !dropped {
			return
		}
		o.closeQuietly(sess.InstanceID, conn)
		sess.SetConn(nil)

		if reason.Permanent() {
			o.metrics.Reconnect("permanent")
			o.endSession(ctx, sess, lifecycle.TriggerLoggedOut, &disconnectError{reason: reason})
			return
		}

		log.Warn().
			Str("instanceId", sess.InstanceID).
			Str("reason", string(reason)).
			Msg("connection dropped, reconnecting")

		if err := o.establish(ctx, ctx, sess); err != nil {
			if ctx.Err() != nil {
				return
			}
			trigger := lifecycle.TriggerReconnectExhausted
			if reasonOf(err).Permanent() {
				trigger = lifecycle.TriggerLoggedOut
				o.metrics.Reconnect("permanent")
			} else {
				o.metrics.Reconnect("exhausted")
			}
			o.endSession(ctx, sess, trigger, err)
			return
		}

		o.metrics.Reconnect("success")
		log.Info().Str("instanceId", sess.InstanceID).Msg("connection restored")
		lastTouch = time.Time{}
		o.touch(ctx, sess, o.now(), &lastTouch)
	}
}

// consume returns the close reason once conn drops, or false when ctx ends.
func (o *Orchestrator) consume(
	ctx context.Context,
	sess *registry.Session,
	conn connector.Connection,
	lastTouch *time.Time,
) (connector.DisconnectReason, bool) {
	for {
		select {
		case <-ctx.Done():
			return "", false
		case ev, ok := <-conn.Events():
			if !ok {
				return connector.ReasonConnectionLost, true
			}
			switch ev.Type {
			case connector.EventCredentialsUpdated:
				o.persistCredentials(ctx, sess, ev.Credentials)
			case connector.EventMessage:
				o.touch(ctx, sess, ev.At, lastTouch)
			case connector.EventConnectionState:
				if ev.State == connector.StateClose {
					return ev.CloseReason(), true
				}
			}
		}
	}
}

// endSession unregisters sess and writes trigger. Sessions cancelled by a
// command or by shutdown leave the state to whoever cancelled them.
func (o *Orchestrator) endSession(ctx context.Context, sess *registry.Session, trigger lifecycle.Trigger, cause error) {
	defer sess.Settle(false)

	if ctx.Err() != nil {
		return
	}

	unlock, err := o.locks.Lock(ctx, sess.InstanceID)
	if err != nil {
		return
	}
	defer unlock()

	if !o.registry.RemoveIf(sess.InstanceID, sess) {
		return
	}

	reason := reasonOf(cause)
	logger := log.With().
		Str("instanceId", sess.InstanceID).
		Str("trigger", string(trigger)).
		Str("reason", string(reason)).
		Logger()

	inst, err := o.store.Instances.FindByID(ctx, sess.InstanceID)
	if err != nil || inst == nil {
		logger.Error().Err(err).Msg("session ended for missing instance")
		return
	}

	change := model.InstanceChange{ClearRunner: true}
	if reason.ClearsCredentials() {
		change.ClearCredentials = true
		if err := o.workdir.Remove(inst.ID); err != nil {
			logger.Error().Err(err).Msg("failed to remove working directory")
		}
		audit.Log(ctx, audit.Event{
			Type:       audit.EventCredentialsClear,
			OwnerID:    inst.OwnerID,
			InstanceID: inst.ID,
			Details:    map[string]any{"reason": string(reason)},
		})
	}

	if _, err := o.reporter.Apply(ctx, inst, trigger, change); err != nil {
		logger.Error().Err(err).Msg("failed to record session end")
		return
	}
	logger.Warn().AnErr("cause", cause).Msg("session ended")
}

func (o *Orchestrator) persistCredentials(ctx context.Context, sess *registry.Session, raw json.RawMessage) {
	bundle, err := vault.ParseBundle(raw)
	if err != nil {
		log.Warn().Err(err).Str("instanceId", sess.InstanceID).Msg("ignoring invalid credentials update")
		return
	}
	sealed, err := o.vault.Seal(sess.InstanceID, bundle)
	if err != nil {
		log.Error().Err(err).Str("instanceId", sess.InstanceID).Msg("failed to seal credentials update")
		return
	}

	unlock, err := o.locks.Lock(ctx, sess.InstanceID)
	if err != nil {
		return
	}
	defer unlock()

	if !o.registry.Owns(sess.InstanceID, sess) {
		return
	}
	if err := o.reporter.Update(ctx, sess.InstanceID, model.InstanceChange{CredentialsBlob: &sealed}); err != nil {
		log.Error().Err(err).Str("instanceId", sess.InstanceID).Msg("failed to persist credentials update")
	}
}

func (o *Orchestrator) touch(ctx context.Context, sess *registry.Session, at time.Time, last *time.Time) {
	if at.IsZero() {
		at = o.now()
	}
	if !last.IsZero() && at.Sub(*last) < o.cfg.ActivityInterval {
		return
	}
	*last = at
	if err := o.reporter.TouchActive(ctx, sess.InstanceID, at); err != nil {
		log.Warn().Err(err).Str("instanceId", sess.InstanceID).Msg("failed to record activity")
	}
}

func (o *Orchestrator) closeQuietly(id string, conn connector.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CloseTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		log.Debug().Err(err).Str("instanceId", id).Msg("close connection")
	}
}

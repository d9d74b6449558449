package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/repository"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@every 10m" or "@hourly".
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Expirer stops a running instance whose paid period has ended.
type Expirer interface {
	Expire(ctx context.Context, id string) (bool, error)
}

type Schedules struct {
	PairingSweep string
	ExpirySweep  string
}

type MaintenanceJob struct {
	instances     repository.InstanceRepository
	subscriptions repository.SubscriptionRepository
	expirer       Expirer
	metrics       *metrics.Metrics
	pairingWindow time.Duration
	timeout       time.Duration
	now           func() time.Time

	cron *cron.Cron
}

func NewMaintenanceJob(
	instances repository.InstanceRepository,
	subscriptions repository.SubscriptionRepository,
	expirer Expirer,
	m *metrics.Metrics,
	pairingWindow time.Duration,
	timeout time.Duration,
) *MaintenanceJob {
	return &MaintenanceJob{
		instances:     instances,
		subscriptions: subscriptions,
		expirer:       expirer,
		metrics:       m,
		pairingWindow: pairingWindow,
		timeout:       timeout,
		now:           time.Now,
	}
}

func (j *MaintenanceJob) Start(s Schedules) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(s.PairingSweep, j.wrap(j.SweepPairing)); err != nil {
		return fmt.Errorf("pairing sweep schedule %q: %w", s.PairingSweep, err)
	}
	if _, err := c.AddFunc(s.ExpirySweep, j.wrap(j.SweepExpiry)); err != nil {
		return fmt.Errorf("expiry sweep schedule %q: %w", s.ExpirySweep, err)
	}

	j.cron = c
	c.Start()
	log.Info().
		Str("pairingSweep", s.PairingSweep).
		Str("expirySweep", s.ExpirySweep).
		Msg("maintenance jobs started")
	return nil
}

// Stop prevents further runs and waits for running ones to finish.
func (j *MaintenanceJob) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	log.Info().Msg("maintenance jobs stopped")
}

func (j *MaintenanceJob) wrap(fn func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		fn(ctx)
	}
}

// SweepPairing clears pairing codes whose window has closed.
func (j *MaintenanceJob) SweepPairing(ctx context.Context) {
	cutoff := j.now().Add(-j.pairingWindow)
	j.runCleanup(ctx, "pairing codes", func(ctx context.Context) (int64, error) {
		return j.instances.ClearExpiredPairing(ctx, cutoff)
	})
}

// SweepExpiry retires lapsed subscriptions and stops instances whose paid
// period is over.
func (j *MaintenanceJob) SweepExpiry(ctx context.Context) {
	now := j.now()
	j.runCleanup(ctx, "subscriptions", func(ctx context.Context) (int64, error) {
		return j.subscriptions.MarkExpired(ctx, now)
	})
	j.runCleanup(ctx, "instances", func(ctx context.Context) (int64, error) {
		return j.expireInstances(ctx, now)
	})
}

func (j *MaintenanceJob) expireInstances(ctx context.Context, now time.Time) (int64, error) {
	instances, err := j.instances.ListExpiredRunning(ctx, now)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, inst := range instances {
		stopped, err := j.expirer.Expire(ctx, inst.ID)
		if err != nil {
			log.Error().Err(err).Str("instanceId", inst.ID).Msg("failed to expire instance")
			continue
		}
		if stopped {
			count++
		}
	}
	return count, nil
}

func (j *MaintenanceJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to clean up %s", name)
		return
	}
	j.metrics.JobAffected(name, count)
	if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

// cronLogger routes scheduler messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/model"
	"github.com/botfleet/orchestrator/internal/repository/memrepo"
	"github.com/botfleet/orchestrator/internal/util"
)

const (
	testSecret = "whsec_test"
	testOwner  = "owner-1"
	testRef    = "PAY-1700000000000-ABCDEFGHI"
)

type countingPublisher struct {
	count int
}

func (p *countingPublisher) Publish(ctx context.Context, ownerID string, event events.Event) error {
	if event.Type == events.TypeSubscription {
		p.count++
	}
	return nil
}

type fixture struct {
	db    *memrepo.DB
	coord *Coordinator
	pub   *countingPublisher
}

func newFixture() *fixture {
	db := memrepo.New()
	pub := &countingPublisher{}
	return &fixture{
		db:    db,
		coord: NewCoordinator(db, db.Store(), testSecret, pub, metrics.New()),
		pub:   pub,
	}
}

func (f *fixture) pendingPayment(plan model.PlanID) model.Payment {
	p, _ := model.LookupPlan(plan)
	return f.db.PutPayment(model.Payment{
		OwnerID:   testOwner,
		Reference: testRef,
		Amount:    p.Price,
		Currency:  p.Currency,
		Plan:      plan,
		Status:    model.PaymentStatusPending,
	})
}

func (f *fixture) payment(t *testing.T) model.Payment {
	p, err := f.db.Store().Payments.FindByReference(context.Background(), testRef)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func activeCount(subs []model.Subscription) int {
	n := 0
	for _, s := range subs {
		if s.IsActive {
			n++
		}
	}
	return n
}

func successBody(amount string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"payment.success","data":{"reference":%q,"amount":%s,"currency":"USD","customer_id":%q,"transaction_id":"txn_1"}}`,
		testRef, amount, testOwner,
	))
}

func sign(body []byte) string {
	return util.HmacSHA256(testSecret, body)
}

func TestHandleActivates(t *testing.T) {
	f := newFixture()
	f.pendingPayment(model.PlanPro)
	old := f.db.PutSubscription(model.Subscription{
		OwnerID: testOwner, Plan: model.PlanBasic, IsActive: true,
		Status: model.SubscriptionStatusActive, ExpiresAt: time.Now().Add(time.Hour),
	})
	soon := time.Now().Add(time.Hour)
	inst := f.db.PutInstance(model.Instance{OwnerID: testOwner, DeploymentState: model.StateOnline, ExpiresAt: &soon})

	body := successBody("24.99")
	out, err := f.coord.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, model.PlanPro, out.Subscription.Plan)
	assert.WithinDuration(t, time.Now().Add(model.DefaultPlanDuration), out.Subscription.ExpiresAt, time.Minute)

	p := f.payment(t)
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)
	require.NotNil(t, p.ProviderRef)
	assert.Equal(t, "txn_1", *p.ProviderRef)

	subs := f.db.Subscriptions(testOwner)
	assert.Len(t, subs, 2)
	assert.Equal(t, 1, activeCount(subs))
	for _, s := range subs {
		if s.ID == old.ID {
			assert.Equal(t, model.SubscriptionStatusSuperseded, s.Status)
		}
	}

	for _, i := range f.db.Instances() {
		if i.ID == inst.ID {
			require.NotNil(t, i.ExpiresAt)
			assert.True(t, i.ExpiresAt.Equal(out.Subscription.ExpiresAt))
		}
	}
	assert.Equal(t, 1, f.pub.count)
}

func TestHandleReplay(t *testing.T) {
	f := newFixture()
	f.pendingPayment(model.PlanBasic)
	body := successBody("9.99")

	first, err := f.coord.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := f.coord.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Nil(t, second.Subscription)

	subs := f.db.Subscriptions(testOwner)
	assert.Len(t, subs, 1)
	assert.Equal(t, 1, activeCount(subs))
	assert.Equal(t, 1, f.pub.count)
}

func TestHandleRollsBackAndRetries(t *testing.T) {
	f := newFixture()
	f.pendingPayment(model.PlanBasic)
	f.db.PutSubscription(model.Subscription{
		OwnerID: testOwner, Plan: model.PlanManual, IsActive: true,
		Status: model.SubscriptionStatusActive, ExpiresAt: time.Now().Add(time.Hour),
	})
	body := successBody("9.99")

	f.db.FailNext("subscriptions.Create", errors.New("connection reset by peer"))
	_, err := f.coord.Handle(context.Background(), body, sign(body))
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassRetryable, apperrors.ClassOf(err))

	assert.Equal(t, model.PaymentStatusPending, f.payment(t).Status)
	subs := f.db.Subscriptions(testOwner)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].IsActive)
	assert.Equal(t, model.PlanManual, subs[0].Plan)

	out, err := f.coord.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, 1, activeCount(f.db.Subscriptions(testOwner)))
	assert.Equal(t, model.PaymentStatusCompleted, f.payment(t).Status)
}

func TestHandleRejects(t *testing.T) {
	t.Run("tampered signature changes nothing", func(t *testing.T) {
		f := newFixture()
		f.pendingPayment(model.PlanBasic)
		body := successBody("9.99")
		sig := sign(body)
		tampered := successBody("0.01")

		_, err := f.coord.Handle(context.Background(), tampered, sig)
		assert.Equal(t, apperrors.ErrCodeInvalidSignature, apperrors.GetCode(err))
		assert.Equal(t, apperrors.ClassSecurity, apperrors.ClassOf(err))
		assert.Equal(t, model.PaymentStatusPending, f.payment(t).Status)
		assert.Empty(t, f.db.Subscriptions(testOwner))
	})

	t.Run("missing signature", func(t *testing.T) {
		f := newFixture()
		_, err := f.coord.Handle(context.Background(), successBody("9.99"), "")
		assert.Equal(t, apperrors.ErrCodeInvalidSignature, apperrors.GetCode(err))
	})

	t.Run("unknown reference", func(t *testing.T) {
		f := newFixture()
		body := successBody("9.99")
		_, err := f.coord.Handle(context.Background(), body, sign(body))
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture()
		body := []byte(`{"event":`)
		_, err := f.coord.Handle(context.Background(), body, sign(body))
		assert.Equal(t, apperrors.ClassValidation, apperrors.ClassOf(err))
	})

	t.Run("amount mismatch", func(t *testing.T) {
		f := newFixture()
		f.pendingPayment(model.PlanBusiness)
		body := successBody("1.00")

		_, err := f.coord.Handle(context.Background(), body, sign(body))
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
		assert.Equal(t, model.PaymentStatusPending, f.payment(t).Status)
		assert.Empty(t, f.db.Subscriptions(testOwner))
	})
}

func TestHandleOtherEvents(t *testing.T) {
	t.Run("payment.failed marks pending payment", func(t *testing.T) {
		f := newFixture()
		f.pendingPayment(model.PlanBasic)
		body := []byte(fmt.Sprintf(`{"event":"payment.failed","data":{"reference":%q}}`, testRef))

		out, err := f.coord.Handle(context.Background(), body, "sha256="+sign(body))
		require.NoError(t, err)
		assert.False(t, out.Replayed)
		assert.Equal(t, model.PaymentStatusFailed, f.payment(t).Status)

		out, err = f.coord.Handle(context.Background(), body, sign(body))
		require.NoError(t, err)
		assert.True(t, out.Replayed)
	})

	t.Run("unknown events are ignored", func(t *testing.T) {
		f := newFixture()
		body := []byte(`{"event":"payment.pending","data":{"reference":"x"}}`)

		out, err := f.coord.Handle(context.Background(), body, sign(body))
		require.NoError(t, err)
		assert.True(t, out.Ignored)
	})
}

func TestAmountAcceptsStringEncoding(t *testing.T) {
	f := newFixture()
	f.pendingPayment(model.PlanBasic)
	body := successBody(`"9.990"`)

	_, err := f.coord.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("9.99").Equal(f.payment(t).Amount))
}

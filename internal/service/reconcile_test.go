package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleWebhook_PaidAllocatesBibAndCredential(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")

	reg, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPaid, reg.Status)
	require.NotNil(t, reg.PaidAt)
	assert.True(t, reg.PaidAt.Equal(testNow))
	require.True(t, reg.Allocated())
	assert.Equal(t, "10K-0001", *reg.AssignedBib)
	assert.Contains(t, *reg.CredentialURL, id)
	assert.Equal(t, 1, f.publisher.count())
}

func TestHandleWebhook_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")

	const replays = 8
	var wg sync.WaitGroup
	for i := 0; i < replays; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reg := f.registration(t, id)
	assert.Equal(t, model.StatusPaid, reg.Status)
	assert.Equal(t, "10K-0001", *reg.AssignedBib)
	assert.Equal(t, 1, f.store.ReserveCalls)
	assert.Equal(t, 1, f.publisher.count())
}

func TestHandleWebhook_ConcurrentVanityRequests(t *testing.T) {
	f := newFixture(t)
	a := f.checkoutPaid(t, "user-a", "inv-a", "007")
	b := f.checkoutPaid(t, "user-b", "inv-b", "007")

	var wg sync.WaitGroup
	for _, n := range []payment.Notification{paidNotification(a, "inv-a"), paidNotification(b, "inv-b")} {
		wg.Add(1)
		go func(n payment.Notification) {
			defer wg.Done()
			_, err := f.reconcile.HandleWebhook(context.Background(), n)
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	regA, regB := f.registration(t, a), f.registration(t, b)
	require.True(t, regA.Allocated())
	require.True(t, regB.Allocated())
	assert.NotEqual(t, *regA.AssignedBib, *regB.AssignedBib)
	assert.True(t, regA.VanityHonored() != regB.VanityHonored(), "exactly one runner gets 007")

	loser := regA
	if regA.VanityHonored() {
		loser = regB
	}
	assert.Equal(t, "10K-0001", *loser.AssignedBib)
}

func TestHandleWebhook_LookupByInvoiceID(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")

	reg, err := f.reconcile.HandleWebhook(context.Background(), payment.Notification{InvoiceID: "inv-1", Status: "SETTLED"})
	require.NoError(t, err)
	assert.Equal(t, id, reg.ID)
	assert.Equal(t, model.StatusPaid, reg.Status)
}

func TestHandleWebhook_UnknownRegistration(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconcile.HandleWebhook(context.Background(), paidNotification("missing", "inv-x"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHandleWebhook_AttachesMissingInvoice(t *testing.T) {
	f := newFixture(t)
	f.provider.On("CreateInvoice", mock.Anything, mock.Anything).
		Return(nil, errors.New("gateway timeout")).Once()
	res, err := f.checkout.Create(context.Background(), "user-1", checkoutRequest("10k", 500, ""))
	require.ErrorIs(t, err, ErrProviderUnavailable)

	// The provider did create the invoice before timing out.
	reg, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(res.RegistrationID, "inv-late"))
	require.NoError(t, err)
	require.NotNil(t, reg.InvoiceID)
	assert.Equal(t, "inv-late", *reg.InvoiceID)
	assert.Equal(t, model.StatusPaid, reg.Status)
	assert.True(t, reg.Allocated())
}

func TestHandleWebhook_ExpiredThenLatePaid(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")

	reg, err := f.reconcile.HandleWebhook(context.Background(), payment.Notification{InvoiceID: "inv-1", ExternalID: id, Status: "EXPIRED"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, reg.Status)

	reg, err = f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, reg.Status)
	assert.Nil(t, reg.AssignedBib)
}

func TestCancelRacesPayment(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")
	f.provider.On("ExpireInvoice", mock.Anything, "inv-1").Return(nil).Maybe()

	var (
		wg        sync.WaitGroup
		cancelErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelErr = f.checkout.Cancel(context.Background(), "user-1", id)
	}()
	go func() {
		defer wg.Done()
		_, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	reg := f.registration(t, id)
	switch reg.Status {
	case model.StatusCancelled:
		assert.NoError(t, cancelErr)
		assert.Nil(t, reg.AssignedBib)
	case model.StatusPaid:
		assert.ErrorIs(t, cancelErr, ErrNotCancellable)
		assert.True(t, reg.Allocated())
	default:
		t.Fatalf("unexpected status %s", reg.Status)
	}
}

func TestSync(t *testing.T) {
	t.Run("pulls paid status and allocates", func(t *testing.T) {
		f := newFixture(t)
		id := f.checkoutPaid(t, "user-1", "inv-1", "")
		f.provider.On("GetInvoiceStatus", mock.Anything, "inv-1").Return(payment.StatusPaid, nil).Once()

		reg, err := f.reconcile.Sync(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaid, reg.Status)
		assert.True(t, reg.Allocated())
	})

	t.Run("still pending", func(t *testing.T) {
		f := newFixture(t)
		id := f.checkoutPaid(t, "user-1", "inv-1", "")
		f.provider.On("GetInvoiceStatus", mock.Anything, "inv-1").Return(payment.StatusPending, nil).Once()

		reg, err := f.reconcile.Sync(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, reg.Status)
	})

	t.Run("provider down leaves state", func(t *testing.T) {
		f := newFixture(t)
		id := f.checkoutPaid(t, "user-1", "inv-1", "")
		f.provider.On("GetInvoiceStatus", mock.Anything, "inv-1").Return(payment.StatusPending, errors.New("503")).Once()

		_, err := f.reconcile.Sync(context.Background(), id)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, model.StatusPending, f.registration(t, id).Status)
	})

	t.Run("terminal registration does not call provider", func(t *testing.T) {
		f := newFixture(t)
		id := f.checkoutPaid(t, "user-1", "inv-1", "")
		_, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
		require.NoError(t, err)

		reg, err := f.reconcile.Sync(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, reg.Allocated())
		f.provider.AssertNotCalled(t, "GetInvoiceStatus", mock.Anything, mock.Anything)
	})
}

func TestCredentialFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	id := f.checkoutPaid(t, "user-1", "inv-1", "")
	f.issuer.failRender = 1

	reg, err := f.reconcile.HandleWebhook(context.Background(), paidNotification(id, "inv-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, reg.Status)
	require.NotNil(t, reg.AssignedBib)
	assert.Nil(t, reg.CredentialURL)
	bib := *reg.AssignedBib

	reg, err = f.reconcile.Sync(context.Background(), id)
	require.NoError(t, err)
	require.True(t, reg.Allocated())
	assert.Equal(t, bib, *reg.AssignedBib)
	assert.Equal(t, 1, f.store.ReserveCalls)
	assert.Equal(t, 1, f.publisher.count())
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	paid := f.checkoutPaid(t, "user-1", "inv-1", "")
	expired := f.checkoutPaid(t, "user-2", "inv-2", "")
	f.issuer.failRender = 1
	free, err := f.checkout.Create(context.Background(), "user-4", checkoutRequest("fun", 0, ""))
	require.NoError(t, err)
	require.False(t, f.registration(t, free.RegistrationID).Allocated())

	// Younger than the cutoff, so not swept.
	f.setNow(testNow.Add(50 * time.Minute))
	fresh := f.checkoutPaid(t, "user-3", "inv-3", "")
	f.setNow(testNow.Add(time.Hour))
	f.provider.On("GetInvoiceStatus", mock.Anything, "inv-1").Return(payment.StatusPaid, nil).Once()
	f.provider.On("GetInvoiceStatus", mock.Anything, "inv-2").Return(payment.StatusFailed, nil).Once()

	res, err := f.reconcile.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Allocated)
	assert.Equal(t, 0, res.Failed)

	assert.True(t, f.registration(t, paid).Allocated())
	assert.Equal(t, model.StatusFailed, f.registration(t, expired).Status)
	assert.Equal(t, model.StatusPending, f.registration(t, fresh).Status)
	assert.True(t, f.registration(t, free.RegistrationID).Allocated())
	f.provider.AssertNotCalled(t, "GetInvoiceStatus", mock.Anything, "inv-3")
}

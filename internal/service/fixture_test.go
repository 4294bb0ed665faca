package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/memstore"
	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/notify"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	args := m.Called(ctx, req)
	inv, _ := args.Get(0).(*payment.Invoice)
	return inv, args.Error(1)
}

func (m *mockProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (payment.Status, error) {
	args := m.Called(ctx, invoiceID)
	return args.Get(0).(payment.Status), args.Error(1)
}

func (m *mockProvider) ExpireInvoice(ctx context.Context, invoiceID string) error {
	return m.Called(ctx, invoiceID).Error(0)
}

var errRender = errors.New("render failed")

type fakeIssuer struct {
	mu         sync.Mutex
	failRender int
	renders    int
}

func (f *fakeIssuer) Payload(registrationID, eventID, bib string) (string, error) {
	return fmt.Sprintf(`{"rid":%q,"eid":%q,"bib":%q}`, registrationID, eventID, bib), nil
}

func (f *fakeIssuer) Render(_ context.Context, eventID, registrationID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRender > 0 {
		f.failRender--
		return "", errRender
	}
	f.renders++
	return fmt.Sprintf("https://cdn.example.com/credentials/%s/%s.png", eventID, registrationID), nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []notify.RegistrationConfirmed
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, msg notify.RegistrationConfirmed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// ── Fixture ──────────────────────────────────────────────────────────────────

var (
	testNow    = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	earlyPrice = int64(400)
	oneSlot    = 1
)

func testEvent() *model.Event {
	return &model.Event{
		ID:                   "jakarta-10k",
		Name:                 "Jakarta 10K",
		RegistrationClosesAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EarlyBird: &model.EarlyBirdWindow{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 10, 23, 59, 59, 0, time.UTC),
		},
		Vanity: &model.VanityConfig{Enabled: true, PremiumAmount: 100},
		Categories: []model.Category{
			{ID: "10k", Name: "10K", ListPrice: 500, EarlyBirdPrice: &earlyPrice, BibTemplate: "10K-####"},
			{ID: "fun", Name: "Fun Run", ListPrice: 0, BibTemplate: "F###"},
			{ID: "elite", Name: "Elite", ListPrice: 500, BibTemplate: "E##", Capacity: &oneSlot},
		},
	}
}

type fixture struct {
	store     *memstore.Store
	provider  *mockProvider
	issuer    *fakeIssuer
	publisher *recordingPublisher
	alloc     *AllocationService
	checkout  *CheckoutService
	reconcile *ReconcileService
	events    *EventService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.UpsertEvent(context.Background(), testEvent()))

	f := &fixture{
		store:     store,
		provider:  &mockProvider{},
		issuer:    &fakeIssuer{},
		publisher: &recordingPublisher{},
	}
	f.alloc = NewAllocationService(store, store, f.issuer, f.publisher)
	f.checkout = NewCheckoutService(store, store, f.provider, f.alloc, CheckoutConfig{
		Currency:   "IDR",
		SuccessURL: "https://race.example.com/registrations/{registration_id}/result",
		FailureURL: "https://race.example.com/registrations/{registration_id}/failed",
	})
	f.reconcile = NewReconcileService(store, f.provider, f.alloc, ReconcileConfig{})
	f.events = NewEventService(store, store, f.alloc)
	f.setNow(testNow)
	return f
}

func (f *fixture) setNow(now time.Time) {
	clock := func() time.Time { return now }
	f.alloc.now = clock
	f.checkout.now = clock
	f.reconcile.now = clock
}

func (f *fixture) expectInvoice(id string) {
	f.provider.On("CreateInvoice", mock.Anything, mock.Anything).
		Return(&payment.Invoice{ID: id, URL: "https://pay.example.com/" + id, Status: payment.StatusPending}, nil).
		Once()
}

func (f *fixture) registration(t *testing.T, id string) *model.Registration {
	t.Helper()
	reg, err := f.store.GetRegistration(context.Background(), id)
	require.NoError(t, err)
	return reg
}

func checkoutRequest(category string, price int64, vanity string) model.CheckoutRequest {
	req := model.CheckoutRequest{
		EventID:    "jakarta-10k",
		CategoryID: category,
		Participant: model.Participant{
			Name:  "Sari Runner",
			Email: "sari@example.com",
		},
		ClientPrice:   decimal.NewFromInt(price),
		TermsAccepted: true,
	}
	if vanity != "" {
		req.RequestedVanity = &vanity
	}
	return req
}

// checkoutPaid creates a pending registration with invoice invoiceID.
func (f *fixture) checkoutPaid(t *testing.T, user, invoiceID, vanity string) string {
	t.Helper()
	f.expectInvoice(invoiceID)
	price := int64(500)
	if vanity != "" {
		price += 100
	}
	res, err := f.checkout.Create(context.Background(), user, checkoutRequest("10k", price, vanity))
	require.NoError(t, err)
	return res.RegistrationID
}

func paidNotification(registrationID, invoiceID string) payment.Notification {
	return payment.Notification{
		InvoiceID:  invoiceID,
		ExternalID: registrationID,
		Status:     "PAID",
	}
}

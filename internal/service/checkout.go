// Package service implements the registration pipeline: checkout, payment
// reconciliation and bib/credential allocation.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/Shivanand-hulikatti/race-registration/internal/pricing"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoLongerPending is returned when a registration left pending while its
// invoice was being created.
var ErrNoLongerPending = errors.New("registration is no longer pending")

// CheckoutConfig holds checkout policy settings.
type CheckoutConfig struct {
	Currency       string
	PriceTolerance decimal.Decimal
	InvoiceTimeout time.Duration
	// SuccessURL and FailureURL may contain {registration_id}.
	SuccessURL string
	FailureURL string
}

// CheckoutService validates registration drafts, creates registrations and
// hands paid ones to the payment provider.
type CheckoutService struct {
	events    EventStore
	store     Store
	provider  InvoiceProvider
	allocator *AllocationService
	validate  *validator.Validate
	cfg       CheckoutConfig
	now       func() time.Time
}

// NewCheckoutService constructs a CheckoutService.
func NewCheckoutService(
	events EventStore,
	store Store,
	provider InvoiceProvider,
	allocator *AllocationService,
	cfg CheckoutConfig,
) *CheckoutService {
	if cfg.PriceTolerance.IsZero() {
		cfg.PriceTolerance = pricing.DefaultTolerance
	}
	if cfg.InvoiceTimeout <= 0 {
		cfg.InvoiceTimeout = 10 * time.Second
	}
	return &CheckoutService{
		events:    events,
		store:     store,
		provider:  provider,
		allocator: allocator,
		validate:  newValidator(),
		cfg:       cfg,
		now:       time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("vanity", func(fl validator.FieldLevel) bool {
		return model.ValidVanity(fl.Field().String())
	})
	return v
}

// Create runs a checkout for userID.
//
// The price is always recomputed here; the client's number is only compared
// against it. Free registrations are confirmed and allocated immediately.
// Paid ones are stored as pending first, so the registration id exists before
// it is sent to the provider as the invoice reference.
func (s *CheckoutService) Create(ctx context.Context, userID string, req model.CheckoutRequest) (res *model.CheckoutResult, err error) {
	ctx, span := tracer.Start(ctx, "checkout.create", trace.WithAttributes(
		attribute.String("event.id", req.EventID),
		attribute.String("category.id", req.CategoryID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if userID == "" {
		return nil, ErrUnauthorized
	}
	normalizeRequest(&req)
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !req.TermsAccepted {
		return nil, ErrTermsNotAccepted
	}

	ev, err := s.events.GetEvent(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("load event: %w", err)
	}

	now := s.now().UTC()
	if ev.IsClosed(now) {
		return nil, ErrRegistrationClosed
	}
	wantsVanity := req.RequestedVanity != nil
	if wantsVanity && !ev.VanityEnabled() {
		return nil, ErrVanityNotOffered
	}

	quote, err := pricing.Compute(ev, req.CategoryID, wantsVanity, now)
	if err != nil {
		return nil, err
	}
	if err := pricing.CheckClientPrice(quote, req.ClientPrice, s.cfg.PriceTolerance); err != nil {
		log.Warn().
			Str("user_id", userID).
			Str("event_id", ev.ID).
			Int64("expected", quote.Total).
			Str("submitted", req.ClientPrice.String()).
			Msg("client price rejected")
		return nil, err
	}
	cat := ev.Category(req.CategoryID)

	if reused, err := s.reusePending(ctx, userID, ev, cat, req, quote); err != nil || reused != nil {
		return reused, err
	}

	if cat.Capacity != nil {
		n, err := s.store.CountActiveRegistrations(ctx, ev.ID, cat.ID)
		if err != nil {
			return nil, fmt.Errorf("count registrations: %w", err)
		}
		if n >= *cat.Capacity {
			return nil, ErrCategoryFull
		}
	}

	reg := &model.Registration{
		ID:              uuid.NewString(),
		EventID:         ev.ID,
		CategoryID:      cat.ID,
		UserID:          userID,
		Participant:     req.Participant,
		BasePrice:       quote.Base,
		VanityPremium:   quote.VanityPremium,
		Total:           quote.Total,
		RequestedVanity: req.RequestedVanity,
		Status:          model.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(attribute.String("registration.id", reg.ID), attribute.Int64("total", reg.Total))

	if reg.Total <= 0 {
		reg.Status = model.StatusFree
		if err := s.store.CreateRegistration(ctx, reg); err != nil {
			return nil, fmt.Errorf("create registration: %w", err)
		}
		log.Info().Str("registration_id", reg.ID).Str("event_id", ev.ID).Msg("free registration confirmed")
		if _, err := s.allocator.Allocate(ctx, reg.ID); err != nil {
			log.Error().Err(err).Str("registration_id", reg.ID).Msg("allocation failed, will retry")
		}
		return &model.CheckoutResult{RegistrationID: reg.ID, Free: true}, nil
	}

	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("create registration: %w", err)
	}
	log.Info().Str("registration_id", reg.ID).Str("event_id", ev.ID).Int64("total", reg.Total).Msg("pending registration created")
	return s.requestInvoice(ctx, reg, ev, cat)
}

// reusePending implements the one-open-checkout-per-category policy: a
// pending registration with the same price and vanity number is resumed,
// anything else is cancelled so it cannot be paid later.
func (s *CheckoutService) reusePending(
	ctx context.Context,
	userID string,
	ev *model.Event,
	cat *model.Category,
	req model.CheckoutRequest,
	quote pricing.Quote,
) (*model.CheckoutResult, error) {
	existing, err := s.store.FindPendingRegistration(ctx, userID, ev.ID, cat.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending registration: %w", err)
	}

	if existing.Total == quote.Total && sameVanity(existing.RequestedVanity, req.RequestedVanity) {
		logger := log.With().Str("registration_id", existing.ID).Logger()
		if existing.InvoiceURL != nil && *existing.InvoiceURL != "" {
			logger.Info().Msg("resuming pending checkout")
			return &model.CheckoutResult{RegistrationID: existing.ID, RedirectURL: *existing.InvoiceURL}, nil
		}
		logger.Info().Msg("retrying invoice for pending registration")
		return s.requestInvoice(ctx, existing, ev, cat)
	}

	superseded, err := s.store.TransitionStatus(ctx, existing.ID, model.StatusPending, model.StatusCancelled, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel superseded registration: %w", err)
	}
	if superseded {
		log.Info().Str("registration_id", existing.ID).Msg("superseded pending registration cancelled")
		if existing.InvoiceID != nil {
			s.expireInvoice(ctx, *existing.InvoiceID)
		}
	}
	return nil, nil
}

func (s *CheckoutService) requestInvoice(ctx context.Context, reg *model.Registration, ev *model.Event, cat *model.Category) (*model.CheckoutResult, error) {
	items := []payment.LineItem{{Name: ev.Name + " - " + cat.Name, Quantity: 1, Price: reg.BasePrice}}
	if reg.VanityPremium > 0 && reg.RequestedVanity != nil {
		items = append(items, payment.LineItem{Name: "Custom bib " + *reg.RequestedVanity, Quantity: 1, Price: reg.VanityPremium})
	}

	ictx, cancel := context.WithTimeout(ctx, s.cfg.InvoiceTimeout)
	defer cancel()

	inv, err := s.provider.CreateInvoice(ictx, payment.InvoiceRequest{
		ExternalRef: reg.ID,
		Amount:      reg.Total,
		Currency:    s.cfg.Currency,
		Description: fmt.Sprintf("%s registration for %s", ev.Name, reg.Participant.Name),
		LineItems:   items,
		Customer: payment.Customer{
			GivenNames:   reg.Participant.Name,
			Email:        reg.Participant.Email,
			MobileNumber: reg.Participant.Phone,
		},
		SuccessURL: withRegistrationID(s.cfg.SuccessURL, reg.ID),
		FailureURL: withRegistrationID(s.cfg.FailureURL, reg.ID),
	})
	if err != nil {
		// The provider may still have created the invoice. The registration
		// stays pending; a retry reuses it with the same idempotency key.
		log.Warn().Err(err).Str("registration_id", reg.ID).Msg("invoice creation failed")
		return &model.CheckoutResult{RegistrationID: reg.ID}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	attached, err := s.store.AttachInvoice(ctx, reg.ID, inv.ID, inv.URL)
	if err != nil {
		// The webhook carries our registration id and can link the invoice.
		log.Error().Err(err).Str("registration_id", reg.ID).Str("invoice_id", inv.ID).Msg("attach invoice failed")
	} else if !attached {
		log.Warn().Str("registration_id", reg.ID).Str("invoice_id", inv.ID).Msg("registration left pending before invoice was attached")
		s.expireInvoice(ctx, inv.ID)
		return nil, ErrNoLongerPending
	}

	log.Info().Str("registration_id", reg.ID).Str("invoice_id", inv.ID).Msg("invoice created")
	return &model.CheckoutResult{RegistrationID: reg.ID, RedirectURL: inv.URL}, nil
}

// Cancel cancels a pending registration owned by userID. The transition is
// conditional on pending, so it loses cleanly against a concurrent payment.
func (s *CheckoutService) Cancel(ctx context.Context, userID, registrationID string) (*model.Registration, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.UserID != userID {
		return nil, ErrForbidden
	}

	applied, err := s.store.TransitionStatus(ctx, reg.ID, model.StatusPending, model.StatusCancelled, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel registration: %w", err)
	}
	if !applied {
		return nil, ErrNotCancellable
	}
	log.Info().Str("registration_id", reg.ID).Msg("registration cancelled")
	if reg.InvoiceID != nil {
		s.expireInvoice(ctx, *reg.InvoiceID)
	}
	return s.store.GetRegistration(ctx, reg.ID)
}

// Get returns a registration by id.
func (s *CheckoutService) Get(ctx context.Context, registrationID string) (*model.Registration, error) {
	return s.store.GetRegistration(ctx, registrationID)
}

func (s *CheckoutService) expireInvoice(ctx context.Context, invoiceID string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvoiceTimeout)
	defer cancel()
	if err := s.provider.ExpireInvoice(ctx, invoiceID); err != nil {
		log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("expire invoice failed")
	}
}

func normalizeRequest(req *model.CheckoutRequest) {
	req.EventID = strings.TrimSpace(req.EventID)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	req.Participant.Name = strings.TrimSpace(req.Participant.Name)
	req.Participant.Email = strings.ToLower(strings.TrimSpace(req.Participant.Email))
	req.Participant.Phone = strings.TrimSpace(req.Participant.Phone)
	if req.RequestedVanity != nil {
		v := strings.TrimSpace(*req.RequestedVanity)
		if v == "" {
			req.RequestedVanity = nil
		} else {
			req.RequestedVanity = &v
		}
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "CheckoutRequest.")
		msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, ", "))
}

func sameVanity(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func withRegistrationID(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, "{registration_id}", id)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ReconcileConfig controls the stale-pending sweep.
type ReconcileConfig struct {
	// StaleAfter is how old a pending registration must be before the sweep
	// asks the provider about it.
	StaleAfter      time.Duration
	BatchSize       int
	Concurrency     int
	ProviderTimeout time.Duration
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked   int
	Allocated int
	Failed    int
}

// ReconcileService moves registrations from pending to a final status. Two
// paths feed it: the provider's webhook (push) and the client's sync call
// (pull). Both end in settle, which only ever applies conditional
// transitions, so they can race and replay freely.
type ReconcileService struct {
	store     Store
	provider  InvoiceProvider
	allocator *AllocationService
	cfg       ReconcileConfig
	now       func() time.Time
}

// NewReconcileService constructs a ReconcileService.
func NewReconcileService(store Store, provider InvoiceProvider, allocator *AllocationService, cfg ReconcileConfig) *ReconcileService {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &ReconcileService{
		store:     store,
		provider:  provider,
		allocator: allocator,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Sync pulls the provider's view of a pending registration and applies it.
// Confirmed registrations that are still missing a bib or credential are
// allocated on the way out.
func (s *ReconcileService) Sync(ctx context.Context, registrationID string) (reg *model.Registration, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.sync", trace.WithAttributes(attribute.String("registration.id", registrationID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	reg, err = s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	if reg.Status == model.StatusPending {
		if reg.InvoiceID == nil {
			return reg, nil
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		status, err := s.provider.GetInvoiceStatus(pctx, *reg.InvoiceID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("registration_id", reg.ID).Msg("invoice status lookup failed")
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return s.settle(ctx, reg, status)
	}

	if reg.Status.Confirmed() && !reg.Allocated() {
		return s.ensureAllocated(ctx, reg)
	}
	return reg, nil
}

// HandleWebhook applies a verified provider notification. The registration
// is found by our external reference first, then by invoice id. Replays are
// harmless: a registration that already left pending is not touched again.
func (s *ReconcileService) HandleWebhook(ctx context.Context, n payment.Notification) (reg *model.Registration, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.webhook", trace.WithAttributes(
		attribute.String("invoice.id", n.InvoiceID),
		attribute.String("external.id", n.ExternalID),
		attribute.String("invoice.status", n.Status),
	))
	defer func() {
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	reg, err = s.lookup(ctx, n)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("registration_id", reg.ID).Str("invoice_id", n.InvoiceID).Str("status", n.Status).Logger()

	switch {
	case reg.InvoiceID == nil && n.InvoiceID != "":
		// Invoice creation succeeded but attaching it did not.
		if _, err := s.store.AttachInvoice(ctx, reg.ID, n.InvoiceID, ""); err != nil {
			return nil, fmt.Errorf("attach invoice: %w", err)
		}
		logger.Info().Msg("invoice linked from notification")
	case reg.InvoiceID != nil && n.InvoiceID != "" && *reg.InvoiceID != n.InvoiceID:
		logger.Warn().Str("linked_invoice_id", *reg.InvoiceID).Msg("notification for a different invoice of this registration")
	}
	if n.Amount != 0 && n.Amount != reg.Total {
		logger.Warn().Int64("amount", n.Amount).Int64("total", reg.Total).Msg("notified amount differs from registration total")
	}

	logger.Info().Msg("payment notification received")
	return s.settle(ctx, reg, payment.NormalizeStatus(n.Status))
}

func (s *ReconcileService) lookup(ctx context.Context, n payment.Notification) (*model.Registration, error) {
	if n.ExternalID != "" {
		reg, err := s.store.GetRegistration(ctx, n.ExternalID)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}
	if n.InvoiceID != "" {
		return s.store.GetRegistrationByInvoice(ctx, n.InvoiceID)
	}
	return nil, model.ErrNotFound
}

// settle applies a provider status to reg and returns the fresh row.
func (s *ReconcileService) settle(ctx context.Context, reg *model.Registration, status payment.Status) (*model.Registration, error) {
	logger := log.With().Str("registration_id", reg.ID).Logger()

	switch status {
	case payment.StatusPaid:
		applied, err := s.store.TransitionStatus(ctx, reg.ID, model.StatusPending, model.StatusPaid, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("mark paid: %w", err)
		}
		if applied {
			logger.Info().Msg("payment confirmed")
		}
		fresh, err := s.store.GetRegistration(ctx, reg.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case fresh.Status.Confirmed():
			return s.ensureAllocated(ctx, fresh)
		case fresh.Status == model.StatusCancelled || fresh.Status == model.StatusFailed:
			logger.Error().Str("current_status", string(fresh.Status)).Msg("payment received for a closed registration, refund required")
		}
		return fresh, nil

	case payment.StatusFailed:
		applied, err := s.store.TransitionStatus(ctx, reg.ID, model.StatusPending, model.StatusFailed, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		if applied {
			logger.Info().Msg("payment failed")
		}
		return s.store.GetRegistration(ctx, reg.ID)
	}

	return reg, nil
}

// ensureAllocated runs allocation and returns the registration as stored
// afterwards. An allocation failure is logged and left for the next sync or
// sweep; the payment itself is already recorded.
func (s *ReconcileService) ensureAllocated(ctx context.Context, reg *model.Registration) (*model.Registration, error) {
	if reg.Allocated() {
		return reg, nil
	}
	if _, err := s.allocator.Allocate(ctx, reg.ID); err != nil {
		log.Error().Err(err).Str("registration_id", reg.ID).Msg("allocation failed, will retry")
	}
	return s.store.GetRegistration(ctx, reg.ID)
}

// SweepStale syncs pending registrations older than StaleAfter and retries
// allocation for confirmed ones that are missing a bib or credential. It is
// the safety net for lost webhooks and abandoned result pages.
func (s *ReconcileService) SweepStale(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	stale, err := s.store.ListStalePending(ctx, s.now().UTC().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale pending: %w", err)
	}
	unallocated, err := s.store.ListUnallocated(ctx, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list unallocated: %w", err)
	}

	var allocated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, reg := range stale {
		g.Go(func() error {
			if _, err := s.Sync(gctx, reg.ID); err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("registration_id", reg.ID).Msg("sweep sync failed")
			}
			return nil
		})
	}
	for _, reg := range unallocated {
		g.Go(func() error {
			if _, err := s.allocator.Allocate(gctx, reg.ID); err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("registration_id", reg.ID).Msg("sweep allocation failed")
				return nil
			}
			allocated.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Checked:   len(stale) + len(unallocated),
		Allocated: int(allocated.Load()),
		Failed:    int(failed.Load()),
	}
	span.SetAttributes(
		attribute.Int("checked", res.Checked),
		attribute.Int("allocated", res.Allocated),
		attribute.Int("failed", res.Failed),
	)
	if res.Checked > 0 {
		log.Info().Int("checked", res.Checked).Int("allocated", res.Allocated).Int("failed", res.Failed).Msg("sweep finished")
	}
	return res, ctx.Err()
}

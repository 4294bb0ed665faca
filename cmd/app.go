package main

import (
	"context"
	"fmt"

	"github.com/Shivanand-hulikatti/race-registration/internal/cache"
	"github.com/Shivanand-hulikatti/race-registration/internal/config"
	"github.com/Shivanand-hulikatti/race-registration/internal/credential"
	"github.com/Shivanand-hulikatti/race-registration/internal/database"
	"github.com/Shivanand-hulikatti/race-registration/internal/memstore"
	"github.com/Shivanand-hulikatti/race-registration/internal/notify"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
	"github.com/Shivanand-hulikatti/race-registration/internal/repository"
	"github.com/Shivanand-hulikatti/race-registration/internal/service"
	"github.com/Shivanand-hulikatti/race-registration/internal/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// app holds the wired layers shared by the subcommands.
type app struct {
	events      service.EventStore
	eventWriter service.EventWriter
	payments    *payment.Client

	allocation *service.AllocationService
	checkout   *service.CheckoutService
	reconcile  *service.ReconcileService
	eventSvc   *service.EventService

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	// ── 1. Tracing ────────────────────────────────────────────────────────
	tp, err := tracing.Setup(cfg.Tracing.Provider())
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	// ── 2. Store ──────────────────────────────────────────────────────────
	var (
		store  service.Store
		source cache.EventSource
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := memstore.New()
		store, source, a.eventWriter = mem, mem, mem
		log.Warn().Msg("using in-memory store; data is lost on exit")
	default:
		pool, err := database.NewPool(ctx, cfg.Database.Pool())
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		log.Info().Msg("connected to PostgreSQL")

		events := repository.NewEventRepository(pool)
		store, source, a.eventWriter = repository.NewRegistrationRepository(pool), events, events
	}

	// ── 3. Event cache ────────────────────────────────────────────────────
	var eventCache cache.Cache = cache.NewMemoryCache(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis.Client())
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, falling back to in-process event cache")
		} else {
			eventCache = rc
			a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
		}
	}
	a.events = cache.NewEventStore(source, eventCache, cfg.Cache.TTL)

	// ── 4. Outbound integrations ──────────────────────────────────────────
	a.payments = payment.NewClient(cfg.Payment.Client())

	secret := cfg.Credential.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Msg("credential.secret not set; using a random key, credentials will not verify after restart")
	}
	issuer := credential.NewIssuer(secret, credential.NewFileStorage(cfg.Credential.Dir, cfg.Credential.BaseURL))

	var publisher service.Publisher = notify.LogPublisher{}
	if cfg.ServiceBus.ConnectionString != "" {
		sb, err := notify.NewServiceBusPublisher(cfg.ServiceBus.ConnectionString, cfg.ServiceBus.Queue)
		if err != nil {
			return nil, fmt.Errorf("service bus: %w", err)
		}
		publisher = sb
		a.closers = append(a.closers, sb.Close)
	}

	// ── 5. Services ───────────────────────────────────────────────────────
	a.allocation = service.NewAllocationService(a.events, store, issuer, publisher)
	a.checkout = service.NewCheckoutService(a.events, store, a.payments, a.allocation, cfg.CheckoutService())
	a.reconcile = service.NewReconcileService(store, a.payments, a.allocation, cfg.Reconcile())
	a.eventSvc = service.NewEventService(a.events, store, a.allocation)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown step failed")
		}
	}
	a.closers = nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/notify"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/race-registration/internal/service")

// Allocation is what a confirmed registration receives.
type Allocation struct {
	BibNumber         string `json:"bib_number"`
	VanityHonored     bool   `json:"vanity_honored"`
	CredentialPayload string `json:"credential_payload"`
	CredentialURL     string `json:"credential_url"`
}

// AllocationService assigns bib numbers and credentials to confirmed
// registrations, once per registration.
type AllocationService struct {
	events    EventStore
	store     Store
	issuer    CredentialIssuer
	publisher Publisher
	now       func() time.Time
}

// NewAllocationService constructs an AllocationService.
func NewAllocationService(events EventStore, store Store, issuer CredentialIssuer, publisher Publisher) *AllocationService {
	return &AllocationService{
		events:    events,
		store:     store,
		issuer:    issuer,
		publisher: publisher,
		now:       time.Now,
	}
}

// Allocate gives a paid or free registration its bib and credential.
//
// It runs in two idempotent steps. The bib is reserved in one store
// transaction, falling back to the category counter if the requested vanity
// number is already held. The credential is then rendered and recorded with
// a write that only succeeds if none is stored yet. A failure after the first
// step leaves the registration confirmed with a bib but no credential; calling
// Allocate again finishes the job without touching the bib.
func (s *AllocationService) Allocate(ctx context.Context, registrationID string) (alloc *Allocation, err error) {
	ctx, span := tracer.Start(ctx, "allocation.allocate", trace.WithAttributes(attribute.String("registration.id", registrationID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}
	if reg.Allocated() {
		return allocationOf(reg), nil
	}
	if !reg.Status.Confirmed() {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrNotConfirmed, reg.ID, reg.Status)
	}

	ev, err := s.events.GetEvent(ctx, reg.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	var template string
	if cat := ev.Category(reg.CategoryID); cat != nil {
		template = cat.BibTemplate
	}

	bib, err := s.store.ReserveBib(ctx, model.BibRequest{
		RegistrationID:  reg.ID,
		EventID:         reg.EventID,
		CategoryID:      reg.CategoryID,
		RequestedVanity: reg.RequestedVanity,
		Template:        template,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve bib: %w", err)
	}
	span.SetAttributes(attribute.String("bib", bib.BibNumber), attribute.Bool("vanity_honored", bib.VanityHonored))

	logger := log.With().Str("registration_id", reg.ID).Str("event_id", reg.EventID).Str("bib", bib.BibNumber).Logger()
	if !bib.Existing {
		if reg.RequestedVanity != nil && !bib.VanityHonored {
			logger.Info().Str("requested", *reg.RequestedVanity).Msg("vanity number taken, assigned fallback bib")
		} else {
			logger.Info().Msg("bib assigned")
		}
	}

	payload, err := s.issuer.Payload(reg.ID, reg.EventID, bib.BibNumber)
	if err != nil {
		return nil, fmt.Errorf("build credential: %w", err)
	}
	url, err := s.issuer.Render(ctx, reg.EventID, reg.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("render credential: %w", err)
	}

	stored, err := s.store.SetCredential(ctx, reg.ID, payload, url)
	if err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	if !stored {
		// Another allocation of the same registration got there first.
		latest, err := s.store.GetRegistration(ctx, reg.ID)
		if err != nil {
			return nil, fmt.Errorf("reload registration: %w", err)
		}
		if !latest.Allocated() {
			return nil, errors.New("credential was not recorded")
		}
		return allocationOf(latest), nil
	}

	alloc = &Allocation{
		BibNumber:         bib.BibNumber,
		VanityHonored:     bib.VanityHonored,
		CredentialPayload: payload,
		CredentialURL:     url,
	}
	s.announce(ctx, reg, alloc)
	return alloc, nil
}

// CheckVanity reports whether number is currently free in the event. It
// reserves nothing; the number is only decided when a payment confirms.
func (s *AllocationService) CheckVanity(ctx context.Context, eventID, number string) (bool, error) {
	if !model.ValidVanity(number) {
		return false, fmt.Errorf("%w: bib number must be 1-10 letters, digits or dashes", ErrInvalidRequest)
	}
	ev, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, ErrEventNotFound
		}
		return false, fmt.Errorf("load event: %w", err)
	}
	if !ev.VanityEnabled() {
		return false, ErrVanityNotOffered
	}
	taken, err := s.store.IsBibTaken(ctx, eventID, number)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func (s *AllocationService) announce(ctx context.Context, reg *model.Registration, alloc *Allocation) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishConfirmed(ctx, notify.RegistrationConfirmed{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		CategoryID:     reg.CategoryID,
		UserID:         reg.UserID,
		Participant:    reg.Participant.Name,
		Email:          reg.Participant.Email,
		BibNumber:      alloc.BibNumber,
		VanityHonored:  alloc.VanityHonored,
		CredentialURL:  alloc.CredentialURL,
		ConfirmedAt:    s.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("registration_id", reg.ID).Msg("publish confirmation failed")
	}
}

func allocationOf(reg *model.Registration) *Allocation {
	a := &Allocation{VanityHonored: reg.VanityHonored()}
	if reg.AssignedBib != nil {
		a.BibNumber = *reg.AssignedBib
	}
	if reg.CredentialPayload != nil {
		a.CredentialPayload = *reg.CredentialPayload
	}
	if reg.CredentialURL != nil {
		a.CredentialURL = *reg.CredentialURL
	}
	return a
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
)

// EventWriter persists event documents. Only the seed command writes events.
type EventWriter interface {
	UpsertEvent(ctx context.Context, ev *model.Event) error
}

// maxCategoryCapacity mirrors the largest field a single race start can hold.
const maxCategoryCapacity = 100_000

// EventService serves event documents and their rosters.
type EventService struct {
	events        EventStore
	registrations RegistrationStore
	bibs          *AllocationService
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(events EventStore, registrations RegistrationStore, bibs *AllocationService) *EventService {
	return &EventService{events: events, registrations: registrations, bibs: bibs}
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ListRegistrations returns the roster of an event, oldest first.
func (s *EventService) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.registrations.ListRegistrationsByEvent(ctx, eventID)
}

// CheckVanity reports whether a custom bib number is currently free.
func (s *EventService) CheckVanity(ctx context.Context, eventID, number string) (model.VanityAvailability, error) {
	available, err := s.bibs.CheckVanity(ctx, eventID, number)
	if err != nil {
		return model.VanityAvailability{}, err
	}
	return model.VanityAvailability{Number: number, Available: available}, nil
}

// SaveEvent validates an event document and writes it.
func (s *EventService) SaveEvent(ctx context.Context, w EventWriter, ev *model.Event) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	return w.UpsertEvent(ctx, ev)
}

// ValidateEvent checks an event document before it is stored.
func ValidateEvent(ev *model.Event) error {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Name = strings.TrimSpace(ev.Name)
	if ev.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	if ev.Name == "" {
		return fmt.Errorf("%w: event %s: name is required", ErrInvalidRequest, ev.ID)
	}
	if ev.RegistrationClosesAt.IsZero() {
		return fmt.Errorf("%w: event %s: registration_closes_at is required", ErrInvalidRequest, ev.ID)
	}
	if len(ev.Categories) == 0 {
		return fmt.Errorf("%w: event %s: at least one category is required", ErrInvalidRequest, ev.ID)
	}
	if ev.EarlyBird != nil && ev.EarlyBird.End.Before(ev.EarlyBird.Start) {
		return fmt.Errorf("%w: event %s: early bird window ends before it starts", ErrInvalidRequest, ev.ID)
	}
	if ev.Vanity != nil && ev.Vanity.PremiumAmount < 0 {
		return fmt.Errorf("%w: event %s: vanity premium cannot be negative", ErrInvalidRequest, ev.ID)
	}

	seen := make(map[string]bool, len(ev.Categories))
	for _, c := range ev.Categories {
		switch {
		case c.ID == "":
			return fmt.Errorf("%w: event %s: category id is required", ErrInvalidRequest, ev.ID)
		case seen[c.ID]:
			return fmt.Errorf("%w: event %s: duplicate category %s", ErrInvalidRequest, ev.ID, c.ID)
		case c.ListPrice < 0:
			return fmt.Errorf("%w: category %s: list price cannot be negative", ErrInvalidRequest, c.ID)
		case c.EarlyBirdPrice != nil && (*c.EarlyBirdPrice < 0 || *c.EarlyBirdPrice > c.ListPrice):
			return fmt.Errorf("%w: category %s: early bird price must be between 0 and the list price", ErrInvalidRequest, c.ID)
		case c.Capacity != nil && (*c.Capacity <= 0 || *c.Capacity > maxCategoryCapacity):
			return fmt.Errorf("%w: category %s: capacity must be between 1 and %d", ErrInvalidRequest, c.ID, maxCategoryCapacity)
		}
		seen[c.ID] = true
	}
	return nil
}

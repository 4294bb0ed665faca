// Package memstore is an in-process implementation of the registration
// store. A single mutex gives every operation the same all-or-nothing
// behaviour the Postgres repository gets from transactions, which makes it
// suitable for local runs and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
)

// maxCounterAttempts bounds the fallback loop when generated numbers collide
// with previously honored vanity numbers.
const maxCounterAttempts = 1000

type bibKey struct{ eventID, bib string }

type counterKey struct{ eventID, categoryID string }

// Store holds events and registrations in memory.
type Store struct {
	mu            sync.Mutex
	events        map[string]model.Event
	registrations map[string]model.Registration
	bibs          map[bibKey]string
	counters      map[counterKey]int64

	// ReserveCalls counts bib writes, for tests asserting at-most-once.
	ReserveCalls int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:        make(map[string]model.Event),
		registrations: make(map[string]model.Registration),
		bibs:          make(map[bibKey]string),
		counters:      make(map[counterKey]int64),
	}
}

// UpsertEvent stores or replaces an event.
func (s *Store) UpsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Categories = append([]model.Category(nil), ev.Categories...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events[ev.ID] = cp
	return nil
}

// GetEvent returns an event or model.ErrNotFound.
func (s *Store) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	ev.Categories = append([]model.Category(nil), ev.Categories...)
	return &ev, nil
}

// CreateRegistration inserts reg. Ids are never reused.
func (s *Store) CreateRegistration(_ context.Context, reg *model.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.registrations[reg.ID]; exists {
		return fmt.Errorf("registration %s already exists", reg.ID)
	}
	if reg.Total != reg.BasePrice+reg.VanityPremium {
		return fmt.Errorf("registration %s: total does not equal base plus premium", reg.ID)
	}
	s.registrations[reg.ID] = *reg
	return nil
}

// GetRegistration returns a copy of a registration.
func (s *Store) GetRegistration(_ context.Context, id string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &reg, nil
}

// GetRegistrationByInvoice looks a registration up by provider invoice id.
func (s *Store) GetRegistrationByInvoice(_ context.Context, invoiceID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.registrations {
		if reg.InvoiceID != nil && *reg.InvoiceID == invoiceID {
			return &reg, nil
		}
	}
	return nil, model.ErrNotFound
}

// FindPendingRegistration returns the newest pending registration of a user
// for an event category.
func (s *Store) FindPendingRegistration(_ context.Context, userID, eventID, categoryID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.Registration
	for _, reg := range s.registrations {
		if reg.UserID != userID || reg.EventID != eventID || reg.CategoryID != categoryID || reg.Status != model.StatusPending {
			continue
		}
		if found == nil || reg.CreatedAt.After(found.CreatedAt) {
			r := reg
			found = &r
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return found, nil
}

// AttachInvoice stores provider linkage while the registration is pending.
func (s *Store) AttachInvoice(_ context.Context, id, invoiceID, invoiceURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if reg.Status != model.StatusPending {
		return false, nil
	}
	reg.InvoiceID = &invoiceID
	if invoiceURL != "" {
		reg.InvoiceURL = &invoiceURL
	}
	reg.UpdatedAt = time.Now().UTC()
	s.registrations[id] = reg
	return true, nil
}

// TransitionStatus applies from -> to only when the current status is from.
func (s *Store) TransitionStatus(_ context.Context, id string, from, to model.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if reg.Status != from {
		return false, nil
	}
	reg.Status = to
	reg.UpdatedAt = at
	if to == model.StatusPaid {
		paidAt := at
		reg.PaidAt = &paidAt
	}
	s.registrations[id] = reg
	return true, nil
}

// CountActiveRegistrations counts pending and confirmed registrations.
func (s *Store) CountActiveRegistrations(_ context.Context, eventID, categoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, reg := range s.registrations {
		if reg.EventID == eventID && reg.CategoryID == categoryID &&
			(reg.Status == model.StatusPending || reg.Status.Confirmed()) {
			n++
		}
	}
	return n, nil
}

// ListRegistrationsByEvent returns an event's registrations oldest first.
func (s *Store) ListRegistrationsByEvent(_ context.Context, eventID string) ([]model.Registration, error) {
	return s.list(func(r model.Registration) bool { return r.EventID == eventID }, 0), nil
}

// ListStalePending returns pending registrations with an invoice created
// before the cutoff.
func (s *Store) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]model.Registration, error) {
	return s.list(func(r model.Registration) bool {
		return r.Status == model.StatusPending && r.InvoiceID != nil && r.CreatedAt.Before(createdBefore)
	}, limit), nil
}

// ListUnallocated returns confirmed registrations missing a bib or credential.
func (s *Store) ListUnallocated(_ context.Context, limit int) ([]model.Registration, error) {
	return s.list(func(r model.Registration) bool {
		return r.Status.Confirmed() && !r.Allocated()
	}, limit), nil
}

func (s *Store) list(match func(model.Registration) bool, limit int) []model.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Registration
	for _, reg := range s.registrations {
		if match(reg) {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ReserveBib assigns a bib under the store lock: the vanity number if free,
// otherwise the next counter value that is not taken.
func (s *Store) ReserveBib(_ context.Context, req model.BibRequest) (model.BibAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[req.RegistrationID]
	if !ok {
		return model.BibAssignment{}, model.ErrNotFound
	}
	if reg.AssignedBib != nil {
		return model.BibAssignment{
			BibNumber:     *reg.AssignedBib,
			VanityHonored: reg.VanityHonored(),
			Existing:      true,
		}, nil
	}
	if !reg.Status.Confirmed() {
		return model.BibAssignment{}, fmt.Errorf("%w: %s is %s", model.ErrNotConfirmed, reg.ID, reg.Status)
	}

	assign := func(bib string) bool {
		k := bibKey{req.EventID, bib}
		if _, taken := s.bibs[k]; taken {
			return false
		}
		s.bibs[k] = reg.ID
		reg.AssignedBib = &bib
		reg.UpdatedAt = time.Now().UTC()
		s.registrations[reg.ID] = reg
		s.ReserveCalls++
		return true
	}

	if req.RequestedVanity != nil && assign(*req.RequestedVanity) {
		return model.BibAssignment{BibNumber: *req.RequestedVanity, VanityHonored: true}, nil
	}

	ck := counterKey{req.EventID, req.CategoryID}
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		s.counters[ck]++
		bib := model.FormatBib(req.Template, s.counters[ck])
		if assign(bib) {
			return model.BibAssignment{BibNumber: bib}, nil
		}
	}
	return model.BibAssignment{}, fmt.Errorf("no free bib number for %s/%s", req.EventID, req.CategoryID)
}

// SetCredential stores the credential once.
func (s *Store) SetCredential(_ context.Context, registrationID, payload, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[registrationID]
	if !ok {
		return false, model.ErrNotFound
	}
	if reg.CredentialURL != nil || reg.AssignedBib == nil {
		return false, nil
	}
	reg.CredentialPayload = &payload
	reg.CredentialURL = &url
	reg.UpdatedAt = time.Now().UTC()
	s.registrations[registrationID] = reg
	return true, nil
}

// IsBibTaken reports whether a bib is held in the event.
func (s *Store) IsBibTaken(_ context.Context, eventID, bib string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.bibs[bibKey{eventID, bib}]
	return taken, nil
}

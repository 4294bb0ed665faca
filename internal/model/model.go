// Package model defines the core domain types for the race registration system.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a race runners can register for. Authoring happens elsewhere;
// checkout only reads it.
type Event struct {
	ID                   string           `json:"id" yaml:"id"`
	Name                 string           `json:"name" yaml:"name"`
	Categories           []Category       `json:"categories" yaml:"categories"`
	RegistrationClosesAt time.Time        `json:"registration_closes_at" yaml:"registration_closes_at"`
	EarlyBird            *EarlyBirdWindow `json:"early_bird,omitempty" yaml:"early_bird,omitempty"`
	Vanity               *VanityConfig    `json:"vanity,omitempty" yaml:"vanity,omitempty"`
	CreatedAt            time.Time        `json:"created_at" yaml:"-"`
}

// EarlyBirdWindow is inclusive at both ends.
type EarlyBirdWindow struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Contains reports whether t falls inside the window.
func (w *EarlyBirdWindow) Contains(t time.Time) bool {
	if w == nil {
		return false
	}
	return !t.Before(w.Start) && !t.After(w.End)
}

// VanityConfig controls whether runners may request a custom bib number.
type VanityConfig struct {
	Enabled       bool  `json:"enabled" yaml:"enabled"`
	PremiumAmount int64 `json:"premium_amount" yaml:"premium_amount"`
}

// Category is a distance or division within an event.
type Category struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	ListPrice      int64  `json:"list_price" yaml:"list_price"`
	EarlyBirdPrice *int64 `json:"early_bird_price,omitempty" yaml:"early_bird_price,omitempty"`
	BibTemplate    string `json:"bib_template" yaml:"bib_template"`
	Capacity       *int   `json:"capacity,omitempty" yaml:"capacity,omitempty"`
}

// Category returns the category with the given id, or nil.
func (e *Event) Category(id string) *Category {
	for i := range e.Categories {
		if e.Categories[i].ID == id {
			return &e.Categories[i]
		}
	}
	return nil
}

// IsClosed returns true once the registration deadline has passed.
func (e *Event) IsClosed(now time.Time) bool {
	return now.After(e.RegistrationClosesAt)
}

// VanityEnabled reports whether the event sells custom bib numbers.
func (e *Event) VanityEnabled() bool {
	return e.Vanity != nil && e.Vanity.Enabled
}

// Status is the lifecycle state of a Registration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFree      Status = "free"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Confirmed is true for the states that own a bib number.
func (s Status) Confirmed() bool {
	return s == StatusPaid || s == StatusFree
}

// Participant is the person who will run. It may differ from the paying user.
type Participant struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// Registration represents a runner's registration for an event category.
type Registration struct {
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	CategoryID  string      `json:"category_id"`
	UserID      string      `json:"user_id"`
	Participant Participant `json:"participant"`

	BasePrice     int64 `json:"base_price"`
	VanityPremium int64 `json:"vanity_premium"`
	Total         int64 `json:"total"`

	RequestedVanity *string `json:"requested_vanity,omitempty"`
	AssignedBib     *string `json:"assigned_bib,omitempty"`

	CredentialPayload *string `json:"credential_payload,omitempty"`
	CredentialURL     *string `json:"credential_url,omitempty"`

	Status     Status  `json:"status"`
	InvoiceID  *string `json:"invoice_id,omitempty"`
	InvoiceURL *string `json:"invoice_url,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Allocated is true once both the bib and the credential exist.
func (r *Registration) Allocated() bool {
	return r.AssignedBib != nil && r.CredentialURL != nil
}

// VanityHonored reports whether the runner got the number they asked for.
func (r *Registration) VanityHonored() bool {
	return r.RequestedVanity != nil && r.AssignedBib != nil && *r.RequestedVanity == *r.AssignedBib
}

// BibRequest carries what the store needs to reserve a bib atomically.
type BibRequest struct {
	RegistrationID  string
	EventID         string
	CategoryID      string
	RequestedVanity *string
	Template        string
}

// BibAssignment is the outcome of a reservation.
type BibAssignment struct {
	BibNumber     string
	VanityHonored bool
	// Existing is true when the registration already held a bib.
	Existing      bool
}

// CheckoutRequest is the payload for POST /checkout.
type CheckoutRequest struct {
	EventID         string          `json:"event_id" validate:"required"`
	CategoryID      string          `json:"category_id" validate:"required"`
	Participant     Participant     `json:"participant"`
	RequestedVanity *string         `json:"requested_vanity,omitempty" validate:"omitempty,min=1,max=10,vanity"`
	ClientPrice     decimal.Decimal `json:"client_price"`
	TermsAccepted   bool            `json:"terms_accepted"`
}

// CheckoutResult is returned by POST /checkout.
type CheckoutResult struct {
	RegistrationID string `json:"registration_id"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	Free           bool   `json:"free,omitempty"`
}

// SyncResponse is returned by GET /registrations/{id}/sync.
type SyncResponse struct {
	RegistrationID string `json:"registration_id"`
	Status         Status `json:"status"`
	BibNumber      string `json:"bib_number,omitempty"`
	CredentialURL  string `json:"credential_url,omitempty"`
	VanityHonored  bool   `json:"vanity_honored,omitempty"`
}

// NewSyncResponse builds the sync view of a registration.
func NewSyncResponse(r *Registration) SyncResponse {
	resp := SyncResponse{
		RegistrationID: r.ID,
		Status:         r.Status,
		VanityHonored:  r.VanityHonored(),
	}
	if r.AssignedBib != nil {
		resp.BibNumber = *r.AssignedBib
	}
	if r.CredentialURL != nil {
		resp.CredentialURL = *r.CredentialURL
	}
	return resp
}

// VanityAvailability is returned by the advisory availability check.
type VanityAvailability struct {
	Number    string `json:"number"`
	Available bool   `json:"available"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	RegistrationID string `json:"registration_id,omitempty"`
}

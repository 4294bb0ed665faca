package service

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/Shivanand-hulikatti/race-registration/internal/notify"
	"github.com/Shivanand-hulikatti/race-registration/internal/payment"
)

// EventStore reads event documents.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
}

// RegistrationStore persists registrations. Every status change is a
// conditional update on the previous status.
type RegistrationStore interface {
	CreateRegistration(ctx context.Context, reg *model.Registration) error
	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	GetRegistrationByInvoice(ctx context.Context, invoiceID string) (*model.Registration, error)
	FindPendingRegistration(ctx context.Context, userID, eventID, categoryID string) (*model.Registration, error)
	// AttachInvoice records provider linkage. It only applies while the
	// registration is pending and returns false otherwise.
	AttachInvoice(ctx context.Context, id, invoiceID, invoiceURL string) (bool, error)
	// TransitionStatus moves id from one status to another and reports
	// whether this call performed the move.
	TransitionStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error)
	CountActiveRegistrations(ctx context.Context, eventID, categoryID string) (int, error)
	ListRegistrationsByEvent(ctx context.Context, eventID string) ([]model.Registration, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Registration, error)
	ListUnallocated(ctx context.Context, limit int) ([]model.Registration, error)
}

// BibStore owns bib uniqueness per event.
type BibStore interface {
	// ReserveBib assigns a bib to a confirmed registration in one atomic
	// operation, falling back to the category counter when the requested
	// vanity number is taken. A registration that already holds a bib gets
	// it back unchanged.
	ReserveBib(ctx context.Context, req model.BibRequest) (model.BibAssignment, error)
	// SetCredential records the credential once; it returns false when one
	// was already stored.
	SetCredential(ctx context.Context, registrationID, payload, url string) (bool, error)
	IsBibTaken(ctx context.Context, eventID, bib string) (bool, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	RegistrationStore
	BibStore
}

// InvoiceProvider is the external payment provider.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (payment.Status, error)
	ExpireInvoice(ctx context.Context, invoiceID string) error
}

// CredentialIssuer builds and renders scannable credentials.
type CredentialIssuer interface {
	Payload(registrationID, eventID, bib string) (string, error)
	Render(ctx context.Context, eventID, registrationID, payload string) (string, error)
}

// Publisher announces confirmed registrations to downstream consumers.
type Publisher interface {
	PublishConfirmed(ctx context.Context, msg notify.RegistrationConfirmed) error
}

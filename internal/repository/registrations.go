package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistrationRepository handles persistence for registrations, bib
// reservations and credentials.
type RegistrationRepository struct {
	db *pgxpool.Pool
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const registrationColumns = `id, event_id, category_id, user_id,
	participant_name, participant_email, participant_phone,
	base_price, vanity_premium, total,
	requested_vanity, assigned_bib, credential_payload, credential_url,
	status, invoice_id, invoice_url, created_at, paid_at, updated_at`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var reg model.Registration
	var status string
	err := row.Scan(
		&reg.ID, &reg.EventID, &reg.CategoryID, &reg.UserID,
		&reg.Participant.Name, &reg.Participant.Email, &reg.Participant.Phone,
		&reg.BasePrice, &reg.VanityPremium, &reg.Total,
		&reg.RequestedVanity, &reg.AssignedBib, &reg.CredentialPayload, &reg.CredentialURL,
		&status, &reg.InvoiceID, &reg.InvoiceURL, &reg.CreatedAt, &reg.PaidAt, &reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	reg.Status = model.Status(status)
	return &reg, nil
}

func (r *RegistrationRepository) getOne(ctx context.Context, query string, args ...any) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return reg, nil
}

func (r *RegistrationRepository) list(ctx context.Context, query string, args ...any) ([]model.Registration, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

// CreateRegistration inserts a new registration.
func (r *RegistrationRepository) CreateRegistration(ctx context.Context, reg *model.Registration) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		reg.ID, reg.EventID, reg.CategoryID, reg.UserID,
		reg.Participant.Name, reg.Participant.Email, reg.Participant.Phone,
		reg.BasePrice, reg.VanityPremium, reg.Total,
		reg.RequestedVanity, reg.AssignedBib, reg.CredentialPayload, reg.CredentialURL,
		string(reg.Status), reg.InvoiceID, reg.InvoiceURL, reg.CreatedAt, reg.PaidAt, reg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// GetRegistration returns a registration or ErrNotFound.
func (r *RegistrationRepository) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	reg, err := r.getOne(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, err
}

// GetRegistrationByInvoice returns the registration linked to an invoice.
func (r *RegistrationRepository) GetRegistrationByInvoice(ctx context.Context, invoiceID string) (*model.Registration, error) {
	reg, err := r.getOne(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE invoice_id = $1`, invoiceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get registration by invoice: %w", err)
	}
	return reg, err
}

// FindPendingRegistration returns the newest pending registration of a user
// for an event category.
func (r *RegistrationRepository) FindPendingRegistration(ctx context.Context, userID, eventID, categoryID string) (*model.Registration, error) {
	reg, err := r.getOne(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE user_id = $1 AND event_id = $2 AND category_id = $3 AND status = 'pending'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, eventID, categoryID,
	)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find pending registration: %w", err)
	}
	return reg, err
}

// AttachInvoice records provider linkage while the registration is pending.
func (r *RegistrationRepository) AttachInvoice(ctx context.Context, id, invoiceID, invoiceURL string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET invoice_id = $2, invoice_url = NULLIF($3, ''), updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, invoiceID, invoiceURL,
	)
	if err != nil {
		return false, fmt.Errorf("attach invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionStatus moves a registration from one status to another. The
// WHERE clause on the previous status is the guard that lets exactly one of
// several concurrent callers (webhook, sync, cancel) win.
func (r *RegistrationRepository) TransitionStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error) {
	var paidAt *time.Time
	if to == model.StatusPaid {
		paidAt = &at
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET status = $3, updated_at = $4, paid_at = COALESCE($5, paid_at)
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at, paidAt,
	)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountActiveRegistrations counts pending and confirmed registrations.
func (r *RegistrationRepository) CountActiveRegistrations(ctx context.Context, eventID, categoryID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM registrations
		 WHERE event_id = $1 AND category_id = $2 AND status IN ('pending', 'paid', 'free')`,
		eventID, categoryID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

// ListRegistrationsByEvent returns all registrations for an event.
func (r *RegistrationRepository) ListRegistrationsByEvent(ctx context.Context, eventID string) ([]model.Registration, error) {
	regs, err := r.list(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE event_id = $1
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return regs, nil
}

// ListStalePending returns pending registrations holding an invoice that
// were created before the cutoff.
func (r *RegistrationRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Registration, error) {
	regs, err := r.list(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE status = 'pending' AND invoice_id IS NOT NULL AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	return regs, nil
}

// ListUnallocated returns confirmed registrations without a bib or credential.
func (r *RegistrationRepository) ListUnallocated(ctx context.Context, limit int) ([]model.Registration, error) {
	regs, err := r.list(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE status IN ('paid', 'free') AND (assigned_bib IS NULL OR credential_url IS NULL)
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unallocated: %w", err)
	}
	return regs, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/jackc/pgx/v5"
)

// maxCounterAttempts bounds the fallback loop when generated numbers collide
// with previously honored vanity numbers.
const maxCounterAttempts = 1000

// ReserveBib assigns a bib number to a confirmed registration.
//
// ─────────────────────────────────────────────────────────────────────────────
// VANITY CONTENTION
// ─────────────────────────────────────────────────────────────────────────────
//
// Checking availability and then writing is broken:
//
//	confirmation A: SELECT … WHERE event_id = E AND assigned_bib = '777' → none
//	confirmation B: SELECT … WHERE event_id = E AND assigned_bib = '777' → none
//	both write '777'. Two runners on race day with the same bib.
//
// Instead the write itself is the check. The partial unique index on
// (event_id, assigned_bib) rejects the second writer with 23505. Each
// candidate write runs inside a savepoint so the rejection only rolls back
// that attempt; the loser then takes the category counter path inside the
// same transaction and still gets a bib.
//
// The registration row is locked FOR UPDATE first, so two retries of the same
// allocation serialise and the second one sees the bib the first assigned.
// ─────────────────────────────────────────────────────────────────────────────
func (r *RegistrationRepository) ReserveBib(ctx context.Context, req model.BibRequest) (res model.BibAssignment, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		status    string
		assigned  *string
		requested *string
	)
	err = tx.QueryRow(ctx,
		`SELECT status, assigned_bib, requested_vanity
		 FROM registrations
		 WHERE id = $1
		 FOR UPDATE`,
		req.RegistrationID,
	).Scan(&status, &assigned, &requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return res, ErrNotFound
		}
		return res, fmt.Errorf("lock registration: %w", err)
	}

	if assigned != nil {
		res = model.BibAssignment{
			BibNumber:     *assigned,
			VanityHonored: requested != nil && *requested == *assigned,
			Existing:      true,
		}
		err = tx.Commit(ctx)
		return res, err
	}
	if !model.Status(status).Confirmed() {
		return res, fmt.Errorf("%w: %s is %s", model.ErrNotConfirmed, req.RegistrationID, status)
	}

	if req.RequestedVanity != nil {
		var ok bool
		ok, err = tryAssign(ctx, tx, req.RegistrationID, *req.RequestedVanity)
		if err != nil {
			return res, err
		}
		if ok {
			res = model.BibAssignment{BibNumber: *req.RequestedVanity, VanityHonored: true}
			if err = tx.Commit(ctx); err != nil {
				return res, fmt.Errorf("commit transaction: %w", err)
			}
			return res, nil
		}
	}

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		var n int64
		err = tx.QueryRow(ctx,
			`INSERT INTO bib_counters (event_id, category_id, value)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (event_id, category_id) DO UPDATE SET value = bib_counters.value + 1
			 RETURNING value`,
			req.EventID, req.CategoryID,
		).Scan(&n)
		if err != nil {
			return res, fmt.Errorf("advance bib counter: %w", err)
		}

		bib := model.FormatBib(req.Template, n)
		var ok bool
		ok, err = tryAssign(ctx, tx, req.RegistrationID, bib)
		if err != nil {
			return res, err
		}
		if ok {
			res = model.BibAssignment{BibNumber: bib}
			if err = tx.Commit(ctx); err != nil {
				return res, fmt.Errorf("commit transaction: %w", err)
			}
			return res, nil
		}
	}

	err = fmt.Errorf("no free bib number for %s/%s", req.EventID, req.CategoryID)
	return res, err
}

// tryAssign writes bib inside a savepoint. It returns false when another
// registration in the event already holds the number.
func tryAssign(ctx context.Context, tx pgx.Tx, registrationID, bib string) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	_, err = sp.Exec(ctx,
		`UPDATE registrations
		 SET assigned_bib = $2, updated_at = NOW()
		 WHERE id = $1 AND assigned_bib IS NULL`,
		registrationID, bib,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("assign bib: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return true, nil
}

// SetCredential records the rendered credential once.
func (r *RegistrationRepository) SetCredential(ctx context.Context, registrationID, payload, url string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET credential_payload = $2, credential_url = $3, updated_at = NOW()
		 WHERE id = $1 AND assigned_bib IS NOT NULL AND credential_url IS NULL`,
		registrationID, payload, url,
	)
	if err != nil {
		return false, fmt.Errorf("set credential: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsBibTaken reports whether a bib is held by any registration of the event.
func (r *RegistrationRepository) IsBibTaken(ctx context.Context, eventID, bib string) (bool, error) {
	var taken bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registrations WHERE event_id = $1 AND assigned_bib = $2)`,
		eventID, bib,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check bib: %w", err)
	}
	return taken, nil
}

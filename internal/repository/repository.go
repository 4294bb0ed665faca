// Package repository implements the Postgres store for events and
// registrations. It uses pgx directly (no ORM).
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = model.ErrNotFound

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// EventRepository handles persistence for events and their categories.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// UpsertEvent inserts or replaces an event and its categories in one
// transaction. It is used by the seed command; checkout never writes events.
func (r *EventRepository) UpsertEvent(ctx context.Context, ev *model.Event) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var ebStart, ebEnd *time.Time
	if ev.EarlyBird != nil {
		ebStart, ebEnd = &ev.EarlyBird.Start, &ev.EarlyBird.End
	}
	var vanityEnabled bool
	var vanityPremium int64
	if ev.Vanity != nil {
		vanityEnabled, vanityPremium = ev.Vanity.Enabled, ev.Vanity.PremiumAmount
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, name, registration_closes_at, early_bird_start, early_bird_end, vanity_enabled, vanity_premium)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     registration_closes_at = EXCLUDED.registration_closes_at,
		     early_bird_start = EXCLUDED.early_bird_start,
		     early_bird_end = EXCLUDED.early_bird_end,
		     vanity_enabled = EXCLUDED.vanity_enabled,
		     vanity_premium = EXCLUDED.vanity_premium`,
		ev.ID, ev.Name, ev.RegistrationClosesAt, ebStart, ebEnd, vanityEnabled, vanityPremium,
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}

	for i, c := range ev.Categories {
		_, err = tx.Exec(ctx,
			`INSERT INTO categories (event_id, id, position, name, list_price, early_bird_price, bib_template, capacity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (event_id, id) DO UPDATE SET
			     position = EXCLUDED.position,
			     name = EXCLUDED.name,
			     list_price = EXCLUDED.list_price,
			     early_bird_price = EXCLUDED.early_bird_price,
			     bib_template = EXCLUDED.bib_template,
			     capacity = EXCLUDED.capacity`,
			ev.ID, c.ID, i, c.Name, c.ListPrice, c.EarlyBirdPrice, c.BibTemplate, c.Capacity,
		)
		if err != nil {
			return fmt.Errorf("upsert category %s: %w", c.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetEvent returns an event with its ordered categories, or ErrNotFound.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var (
		ev            model.Event
		ebStart       *time.Time
		ebEnd         *time.Time
		vanityEnabled bool
		vanityPremium int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, name, registration_closes_at, early_bird_start, early_bird_end,
		        vanity_enabled, vanity_premium, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.Name, &ev.RegistrationClosesAt, &ebStart, &ebEnd, &vanityEnabled, &vanityPremium, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	if ebStart != nil && ebEnd != nil {
		ev.EarlyBird = &model.EarlyBirdWindow{Start: *ebStart, End: *ebEnd}
	}
	if vanityEnabled || vanityPremium > 0 {
		ev.Vanity = &model.VanityConfig{Enabled: vanityEnabled, PremiumAmount: vanityPremium}
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, name, list_price, early_bird_price, bib_template, capacity
		 FROM categories
		 WHERE event_id = $1
		 ORDER BY position ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ListPrice, &c.EarlyBirdPrice, &c.BibTemplate, &c.Capacity); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		ev.Categories = append(ev.Categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return &ev, nil
}

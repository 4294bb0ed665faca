// Package pricing computes the authoritative price of a registration.
//
// Everything here is pure: no I/O and no clock reads. Callers pass the time
// of the request explicitly so a checkout prices against a single instant.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/shopspring/decimal"
)

// ErrCategoryNotFound is returned when the category is not part of the event.
var ErrCategoryNotFound = errors.New("category not found")

// ErrPriceMismatch is returned when the client-side total disagrees with the
// server-side total beyond tolerance.
var ErrPriceMismatch = errors.New("price mismatch")

// DefaultTolerance is the largest client/server difference accepted as equal.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Quote is the result of pricing one registration attempt.
type Quote struct {
	Base          int64 `json:"base"`
	VanityPremium int64 `json:"vanity_premium"`
	Total         int64 `json:"total"`
	EarlyBird     bool  `json:"early_bird"`
}

// Compute prices a registration for categoryID in event at instant now.
func Compute(event *model.Event, categoryID string, vanityRequested bool, now time.Time) (Quote, error) {
	cat := event.Category(categoryID)
	if cat == nil {
		return Quote{}, fmt.Errorf("%w: %q", ErrCategoryNotFound, categoryID)
	}

	q := Quote{Base: cat.ListPrice}
	if cat.EarlyBirdPrice != nil && event.EarlyBird.Contains(now) {
		q.Base = *cat.EarlyBirdPrice
		q.EarlyBird = true
	}
	if vanityRequested && event.VanityEnabled() {
		q.VanityPremium = event.Vanity.PremiumAmount
	}
	q.Total = q.Base + q.VanityPremium
	return q, nil
}

// CheckClientPrice compares a client-submitted total with the quote. The
// client value is never charged; it only detects stale or tampered pages.
func CheckClientPrice(q Quote, clientPrice, tolerance decimal.Decimal) error {
	diff := clientPrice.Sub(decimal.NewFromInt(q.Total)).Abs()
	if diff.GreaterThan(tolerance) {
		return fmt.Errorf("%w: expected %d, got %s", ErrPriceMismatch, q.Total, clientPrice.String())
	}
	return nil
}

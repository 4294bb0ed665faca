package service

import (
	"errors"

	"github.com/Shivanand-hulikatti/race-registration/internal/pricing"
)

// Validation errors. They are returned before any registration is written.
var (
	ErrEventNotFound      = errors.New("event not found")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrCategoryNotFound   = pricing.ErrCategoryNotFound
	ErrPriceMismatch      = pricing.ErrPriceMismatch
	ErrTermsNotAccepted   = errors.New("terms must be accepted")
	ErrVanityNotOffered   = errors.New("event does not offer custom bib numbers")
	ErrCategoryFull       = errors.New("category is full")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Caller and state errors.
var (
	ErrUnauthorized        = errors.New("caller identity required")
	ErrForbidden           = errors.New("registration belongs to another user")
	ErrNotCancellable      = errors.New("only pending registrations can be cancelled")
	ErrProviderUnavailable = errors.New("payment provider unavailable, please retry")
)

package model

import "errors"

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotConfirmed is returned when a bib is requested for a registration that
// is neither paid nor free.
var ErrNotConfirmed = errors.New("registration is not confirmed")

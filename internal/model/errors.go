package model

import "errors"

var (
	// ErrNotFound covers both absent ids and ids owned by someone else.
	ErrNotFound            = errors.New("not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrMediaFetchFailed    = errors.New("media fetch failed")
	ErrValidation          = errors.New("validation error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
)

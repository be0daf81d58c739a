package models

import "errors"

var (
	// ErrSessionNotFound is returned when an operation cites a session that
	// has no record and no fallback data was supplied.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConversionNotFound is returned when amending an order that was never recorded.
	ErrConversionNotFound = errors.New("conversion not found")

	// ErrDuplicateConversion marks a conversion whose order id was already recorded.
	ErrDuplicateConversion = errors.New("duplicate conversion")

	// ErrMalformedPayload is returned for inputs that fail validation.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrStorageUnavailable wraps transient backend failures. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

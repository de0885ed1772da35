package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the allocation engine
var (
	// ErrValidation is returned when a request fails syntactic or semantic checks
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied is returned when the principal lacks a required capability
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoAddressAvailable is returned when no free authorized address matches the policy
	ErrNoAddressAvailable = errors.New("no address available")

	// ErrAddressUnavailable is returned when an explicitly requested address cannot be bound
	ErrAddressUnavailable = errors.New("address unavailable")

	// ErrInvalidPolicy is returned for contradictory address type or request policy
	ErrInvalidPolicy = errors.New("invalid address policy")

	// ErrHostnameConflict is returned when another live host or record owns the hostname
	ErrHostnameConflict = errors.New("hostname conflict")

	// ErrMacConflict is returned when another live host owns the MAC address
	ErrMacConflict = errors.New("mac address conflict")

	// ErrInconsistentDNSState is returned when a DNS record would carry both text and address content
	ErrInconsistentDNSState = errors.New("inconsistent dns state")
)

// ValidationError describes which request field failed validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for the field
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Package retry classifies failures from external calls and computes retry delays.
//
// Adapters translate provider failures into *ProviderError the first time they
// observe them; everything downstream dispatches on the Kind returned by Classify.
package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks a failure that must never be retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrExhausted is recorded once a task has used all of its attempts.
	ErrExhausted = errors.New("retry attempts exhausted")
)

// ProviderError is the boundary representation of a failed external call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ValidationError reports a payload or request that can never succeed as sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}

	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// MarkPermanent wraps err so that Classify reports it as Permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

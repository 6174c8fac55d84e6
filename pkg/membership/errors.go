package membership

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated is wrapped by every AuthError
	ErrUnauthenticated = errors.New("authentication required")

	// ErrAccessDenied is wrapped by feature and tier denials
	ErrAccessDenied = errors.New("access denied")

	// ErrLimitExceeded is wrapped by quota denials
	ErrLimitExceeded = errors.New("usage limit exceeded")

	// ErrNotFound is wrapped by every NotFoundError
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is wrapped by every StateConflictError
	ErrStateConflict = errors.New("state conflict")

	// ErrUpstream is wrapped by every UpstreamError
	ErrUpstream = errors.New("upstream failure")

	// ErrInvalidConfig is returned when a service is built without its required dependencies
	ErrInvalidConfig = errors.New("invalid membership config")

	// ErrInvalidFeatureValue is returned when a binding value does not match its feature type
	ErrInvalidFeatureValue = errors.New("invalid feature value")
)

// ValidationError reports malformed input. Fields maps field names to problems.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with an optional field map
func NewValidationError(msg string, fields map[string]string) *ValidationError {
	return &ValidationError{Message: msg, Fields: fields}
}

// AuthError reports a missing or invalid identity
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrUnauthenticated.Error()
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return ErrUnauthenticated }

// DenialReason distinguishes the three access gate denials
type DenialReason string

const (
	DeniedFeature DenialReason = "feature_not_available"
	DeniedTier    DenialReason = "tier_required"
	DeniedLimit   DenialReason = "limit_exceeded"
)

// AccessDeniedError reports a tier, feature or quota denial.
// UpgradeHint tells the client where to upgrade; Usage is set for quota denials.
type AccessDeniedError struct {
	Reason      DenialReason
	FeatureKey  string
	Message     string
	UpgradeHint string
	Usage       *UsageSnapshot
}

func (e *AccessDeniedError) Error() string { return e.Message }

func (e *AccessDeniedError) Unwrap() error {
	if e.Reason == DeniedLimit {
		return ErrLimitExceeded
	}
	return ErrAccessDenied
}

// NotFoundError reports a missing tier, feature, membership or counter
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateConflictError reports a violated state precondition
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string { return e.Message }
func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// UpstreamError wraps a store or payment provider failure
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is lets errors.Is match both ErrUpstream and the wrapped cause
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
func (e *UpstreamError) Unwrap() error        { return e.Err }

// upstream wraps err as an UpstreamError unless it already carries a typed classification
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTyped(err) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// IsTyped reports whether err already belongs to the error taxonomy
func IsTyped(err error) bool {
	var (
		ve *ValidationError
		ae *AuthError
		de *AccessDeniedError
		ne *NotFoundError
		se *StateConflictError
		ue *UpstreamError
	)
	return errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &de) ||
		errors.As(err, &ne) || errors.As(err, &se) || errors.As(err, &ue)
}

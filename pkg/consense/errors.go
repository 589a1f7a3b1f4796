package consense

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOfferNotFound is returned when finalization references an unknown or
// already-expired offer.
var ErrOfferNotFound = errors.New("offer not found")

// ErrPolicyNotFound is returned for lookups of unknown policy IDs.
var ErrPolicyNotFound = errors.New("policy not found")

// ValidationError reports a structurally invalid offer or policy.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InsufficientApprovalsError reports that fewer distinct roles approved than
// the policy threshold requires.
type InsufficientApprovalsError struct {
	Required int
	Received int
}

func (e *InsufficientApprovalsError) Error() string {
	return fmt.Sprintf("insufficient approvals: required %d, received %d", e.Required, e.Received)
}

// MissingRolesError reports required approver roles absent from the
// approval set.
type MissingRolesError struct {
	Missing []string
}

func (e *MissingRolesError) Error() string {
	return fmt.Sprintf("missing required approval roles: %s", strings.Join(e.Missing, ", "))
}

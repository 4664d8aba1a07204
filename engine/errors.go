/*
errors.go - Centralized error types for the delivery engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is/errors.As;
  the structured types carry the numeric context operators need to see
  (excess, shortfall).

ERROR CATEGORIES:
  1. Destination errors - both-or-neither destination violations
  2. Quota errors - hard project ceiling, soft destination overruns
  3. Record errors - missing records, duplicate business keys
  4. Store errors - persistence-layer failures

SOFT OVERRUN IS NOT A FAILURE:
  SoftOverrunError is a decision point: the caller re-submits with
  ConfirmOverrun set to proceed. It is modeled as an error so the commit
  path has a single result channel, but IsConfirmable distinguishes it.
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidDestination is returned when a record names both a client
	// and a depot, or neither, at commit time.
	ErrInvalidDestination = errors.New("delivery must have exactly one destination")

	// ErrInvalidDestinationChange is returned when an update would leave
	// both the original and the new destination populated.
	ErrInvalidDestinationChange = errors.New("destination change must not keep both destinations")

	// ErrQuotaExceeded is returned when a delivery would push the project
	// total past its authorized quantity. Never overridable.
	ErrQuotaExceeded = errors.New("project quota exceeded")

	// ErrSoftOverrun is returned when a delivery exceeds a client or depot
	// quota. Confirmable: re-submit with ConfirmOverrun to proceed.
	ErrSoftOverrun = errors.New("destination quota overrun requires confirmation")

	// ErrRecordNotFound is returned when a delivery record id is unknown.
	ErrRecordNotFound = errors.New("delivery record not found")

	// ErrProjectNotFound is returned when a referenced project doesn't exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectInactive is returned when committing against a closed project.
	ErrProjectInactive = errors.New("project is not active")

	// ErrDuplicateBusinessKey is returned when a (bon, ticket) pair already
	// exists on the same side of the same project.
	ErrDuplicateBusinessKey = errors.New("business key already used on this side")

	// ErrInvalidWeight is returned for negative net weight, or a
	// Dechargement whose gross does not exceed its tare.
	ErrInvalidWeight = errors.New("invalid weight")

	// ErrCompanyNotInProject is returned when a record names a transport
	// company outside the owning project's company set.
	ErrCompanyNotInProject = errors.New("company does not belong to project")

	// ErrQuotaNotFound is returned when no quota row exists for the
	// requested client or depot in the project.
	ErrQuotaNotFound = errors.New("no quota defined for destination in project")

	// ErrStoreUnavailable wraps persistence-layer failures. The in-flight
	// operation aborts without partial effect.
	ErrStoreUnavailable = errors.New("delivery store unavailable")

	// ErrNotificationProtected is returned when dismissing a notification
	// flagged non-deletable (cascade-delete audit entries).
	ErrNotificationProtected = errors.New("notification is not deletable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry numeric context
// =============================================================================

// SoftOverrunError reports a confirmable destination-level overrun.
type SoftOverrunError struct {
	Scope      Scope
	ProjectID  string
	Authorized Weight
	Consumed   Weight
	Remaining  Weight
	Requested  Weight
	Excess     Weight // Requested - Remaining
}

func (e *SoftOverrunError) Error() string {
	return fmt.Sprintf("delivery of %s exceeds %s quota by %s (remaining %s); confirmation required",
		e.Requested, e.Scope, e.Excess, e.Remaining)
}

func (e *SoftOverrunError) Unwrap() error { return ErrSoftOverrun }

// QuotaExceededError reports a hard project-ceiling violation.
type QuotaExceededError struct {
	ProjectID  string
	Authorized Weight
	Consumed   Weight
	Remaining  Weight
	Requested  Weight
	Shortfall  Weight // Requested - Remaining
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("delivery of %s exceeds project %s total by %s (remaining %s)",
		e.Requested, e.ProjectID, e.Shortfall, e.Remaining)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConfirmable reports whether the error is a soft overrun the caller may
// accept by re-submitting with ConfirmOverrun set.
func IsConfirmable(err error) bool {
	return errors.Is(err, ErrSoftOverrun)
}

// IsClientError reports whether the error is due to invalid caller input
// rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDestination) ||
		errors.Is(err, ErrInvalidDestinationChange) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrSoftOverrun) ||
		errors.Is(err, ErrDuplicateBusinessKey) ||
		errors.Is(err, ErrInvalidWeight) ||
		errors.Is(err, ErrCompanyNotInProject) ||
		errors.Is(err, ErrProjectInactive) ||
		errors.Is(err, ErrQuotaNotFound)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrProjectNotFound)
}

// storeErr wraps a persistence failure. Domain sentinels surfaced by the
// store (duplicate key, not found) pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

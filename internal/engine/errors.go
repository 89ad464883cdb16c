package engine

import (
	"errors"
	"fmt"

	"careline/internal/repo"
)

// ErrStoreUnavailable wraps transport-level store failures. Retryable; the
// caller must treat the outcome as unknown and re-read before retrying.
var ErrStoreUnavailable = errors.New("store unavailable")

// ValidationError rejects an operation before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError rejects an operation on a missing or ineligible entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError means the caller's believed epoch is stale or the action was
// already applied. The caller must refresh before retrying; repeating the
// same action against a closed epoch is a no-op error, never a new event.
type ConflictError struct {
	CaseID  string
	EpochID string
	Reason  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("case %s: %s", e.CaseID, e.Reason)
}

// PartialFailure records a verified row update whose audit append failed.
// The row is authoritative and is not rolled back; reconciliation happens
// later via legacy repair. Surfaced as a warning on a successful result,
// never as a returned error.
type PartialFailure struct {
	CaseID string
	Action string
	Err    error
}

func (w PartialFailure) Warning() string {
	return fmt.Sprintf("case %s: %s recorded on the row but the audit append failed (%v); history will be repaired", w.CaseID, w.Action, w.Err)
}

// storeErr maps raw driver failures onto the retryable sentinel, leaving
// domain sentinels intact.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

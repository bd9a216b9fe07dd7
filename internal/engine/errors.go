package engine

import (
	"errors"
	"fmt"

	"claimline/internal/domain"
)

var (
	// ErrInvalidClaim wraps every submission validation failure.
	ErrInvalidClaim = errors.New("invalid claim")
	// ErrDuplicateSubmission is returned by the in-flight lock when another
	// process already evaluates the claim. It never reaches the claimant.
	ErrDuplicateSubmission = errors.New("claim already in flight")
	ErrShuttingDown        = errors.New("engine shutting down")
)

// ProcessingError is an unexpected failure of one pipeline attempt. It is
// retried and, once attempts run out, the claim goes to a human.
type ProcessingError struct {
	ClaimID string
	Stage   domain.ClaimStatus
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing claim %s during %s: %v", e.ClaimID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func invalidClaim(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidClaim, fmt.Sprintf(format, args...))
}

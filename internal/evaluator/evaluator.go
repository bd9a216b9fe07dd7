// Package evaluator holds the independent claim evaluators. Each evaluator
// scores one aspect of a claim and never retries on its own; timeouts,
// retries and fallbacks are applied by the caller.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimline/internal/domain"
)

const (
	PolicyName   = "policy"
	FraudName    = "fraud"
	RiskName     = "risk"
	ExternalName = "external"
)

// UnavailableFactor is the only factor carried by a fallback result.
const UnavailableFactor = "evaluator unavailable"

const dateLayout = "2006-01-02"

type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error)
}

// PolicyReader loads policies. Implementations return an error matching
// domain.ErrNotFound for unknown policy numbers.
type PolicyReader interface {
	GetPolicy(ctx context.Context, number string) (domain.Policy, error)
}

// PolicyInvalidError is a deterministic business rejection of a claim by the
// policy gate. It is not retried.
type PolicyInvalidError struct {
	Reason string
}

func (e *PolicyInvalidError) Error() string {
	return "policy invalid: " + e.Reason
}

// IsPolicyInvalid reports whether err carries a PolicyInvalidError.
func IsPolicyInvalid(err error) (*PolicyInvalidError, bool) {
	var pe *PolicyInvalidError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Fallback builds the conservative substitute for an evaluator that timed out
// or failed.
func Fallback(name string, score float64, status domain.ResultStatus) domain.EvaluationResult {
	return domain.EvaluationResult{
		EvaluatorName: name,
		Score:         domain.Clamp01(score),
		Confidence:    0,
		Factors:       []string{UnavailableFactor},
		Status:        status,
		Degraded:      true,
	}
}

// loadPolicy wraps store errors so callers can tell a missing policy from an
// unavailable store.
func loadPolicy(ctx context.Context, r PolicyReader, number string) (domain.Policy, error) {
	p, err := r.GetPolicy(ctx, number)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("load policy %s: %w", number, err)
	}
	return p, nil
}

func parseDate(v string) (time.Time, error) {
	return time.Parse(dateLayout, v)
}

func limitRatio(amount, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	return domain.Clamp01(amount / limit)
}

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"claimline/internal/domain"
)

// PolicyEvaluator is the gating step: it verifies that the policy exists, is
// active on the incident date and covers the claimed loss.
type PolicyEvaluator struct {
	Policies PolicyReader
}

func NewPolicyEvaluator(r PolicyReader) *PolicyEvaluator {
	return &PolicyEvaluator{Policies: r}
}

func (e *PolicyEvaluator) Name() string { return PolicyName }

func (e *PolicyEvaluator) Evaluate(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error) {
	p, err := loadPolicy(ctx, e.Policies, claim.PolicyNumber)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.EvaluationResult{}, &PolicyInvalidError{Reason: fmt.Sprintf("policy %s not found", claim.PolicyNumber)}
		}
		return domain.EvaluationResult{}, err
	}
	if err := checkPolicy(p, claim); err != nil {
		return domain.EvaluationResult{}, err
	}

	factors := []string{"policy active", "loss within coverage period"}
	score := 0.0
	ratio := limitRatio(claim.Amount, p.CoverageLimit)
	if ratio > 0.8 {
		score += 0.3
		factors = append(factors, fmt.Sprintf("claim uses %.0f%% of coverage limit", ratio*100))
	}
	if p.Deductible > 0 {
		factors = append(factors, fmt.Sprintf("deductible %.2f applies", p.Deductible))
	}
	return domain.NewResult(PolicyName, score, 1, factors...), nil
}

func checkPolicy(p domain.Policy, claim domain.Claim) error {
	if !strings.EqualFold(p.Status, "active") {
		return &PolicyInvalidError{Reason: fmt.Sprintf("policy %s is %s", p.Number, p.Status)}
	}
	incident, err := parseDate(claim.IncidentDate)
	if err != nil {
		return &PolicyInvalidError{Reason: fmt.Sprintf("invalid incident date %q", claim.IncidentDate)}
	}
	if p.EffectiveDate != "" {
		if start, err := parseDate(p.EffectiveDate); err == nil && incident.Before(start) {
			return &PolicyInvalidError{Reason: fmt.Sprintf("incident date %s before policy effective date %s", claim.IncidentDate, p.EffectiveDate)}
		}
	}
	if p.ExpirationDate != "" {
		if end, err := parseDate(p.ExpirationDate); err == nil && incident.After(end) {
			return &PolicyInvalidError{Reason: fmt.Sprintf("incident date %s after policy expiration date %s", claim.IncidentDate, p.ExpirationDate)}
		}
	}
	for _, ex := range p.Exclusions {
		if strings.EqualFold(ex, claim.ClaimType) {
			return &PolicyInvalidError{Reason: fmt.Sprintf("claim type %s is excluded", claim.ClaimType)}
		}
	}
	if len(p.CoveredPerils) > 0 && !containsFold(p.CoveredPerils, claim.ClaimType) {
		return &PolicyInvalidError{Reason: fmt.Sprintf("claim type %s is not a covered peril", claim.ClaimType)}
	}
	if claim.Amount > p.CoverageLimit+p.Deductible {
		return &PolicyInvalidError{Reason: fmt.Sprintf("amount %.2f exceeds coverage limit %.2f", claim.Amount, p.CoverageLimit)}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

package evaluator

import (
	"context"
	"fmt"
	"strings"

	"claimline/internal/domain"
)

// RiskEvaluator scores underwriting risk from the policy's history.
type RiskEvaluator struct {
	Policies PolicyReader
}

func NewRiskEvaluator(r PolicyReader) *RiskEvaluator {
	return &RiskEvaluator{Policies: r}
}

func (e *RiskEvaluator) Name() string { return RiskName }

func (e *RiskEvaluator) Evaluate(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error) {
	p, err := loadPolicy(ctx, e.Policies, claim.PolicyNumber)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	score := 0.0
	var factors []string
	if months, ok := policyAgeMonths(p, claim); ok && months < 6 {
		score += 0.2
		factors = append(factors, fmt.Sprintf("policy in force %d months at incident", months))
	}
	if p.PreviousClaims > 2 {
		score += 0.3
		factors = append(factors, fmt.Sprintf("%d previous claims", p.PreviousClaims))
	}
	if p.PremiumStatus != "" && !strings.EqualFold(p.PremiumStatus, "current") {
		score += 0.4
		factors = append(factors, "premium "+p.PremiumStatus)
	}
	if limitRatio(claim.Amount, p.CoverageLimit) > 0.8 {
		score += 0.3
		factors = append(factors, "amount above 80% of coverage limit")
	}
	if len(factors) == 0 {
		factors = append(factors, "no policy risk indicators")
	}
	return domain.NewResult(RiskName, score, 0.85, factors...), nil
}

func policyAgeMonths(p domain.Policy, claim domain.Claim) (int, bool) {
	start, err := parseDate(p.EffectiveDate)
	if err != nil {
		return 0, false
	}
	incident, err := parseDate(claim.IncidentDate)
	if err != nil {
		return 0, false
	}
	months := (incident.Year()-start.Year())*12 + int(incident.Month()-start.Month())
	if incident.Day() < start.Day() {
		months--
	}
	return months, true
}

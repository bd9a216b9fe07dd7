package evaluator

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"claimline/internal/domain"
	"claimline/internal/llm"
)

const (
	highAmount        = 25000
	vagueDescription  = 50
	lateReportingDays = 30
)

var fraudScorePattern = regexp.MustCompile(`(?i)FRAUD_SCORE:\s*([0-9]*\.?[0-9]+)`)

// FraudEvaluator scores fraud likelihood from amount and description
// patterns. When a language model is configured its score is blended in.
type FraudEvaluator struct {
	Policies PolicyReader
	Model    llm.Inferer
	// ModelWeight is the share of the final score taken from the model.
	ModelWeight float64
}

func NewFraudEvaluator(r PolicyReader, model llm.Inferer, weight float64) *FraudEvaluator {
	return &FraudEvaluator{Policies: r, Model: model, ModelWeight: weight}
}

func (e *FraudEvaluator) Name() string { return FraudName }

func (e *FraudEvaluator) Evaluate(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error) {
	p, err := loadPolicy(ctx, e.Policies, claim.PolicyNumber)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	score, factors := fraudHeuristics(claim, p)
	confidence := 0.8
	if e.Model != nil {
		out, err := e.Model.Infer(ctx, fraudPrompt(claim, p))
		if err != nil {
			return domain.EvaluationResult{}, fmt.Errorf("fraud model: %w", err)
		}
		modelScore, err := ParseFraudScore(out)
		if err != nil {
			return domain.EvaluationResult{}, err
		}
		w := domain.Clamp01(e.ModelWeight)
		score = (1-w)*score + w*modelScore
		confidence = 0.9
		factors = append(factors, fmt.Sprintf("language model score %.2f", modelScore))
	}
	if len(factors) == 0 {
		factors = append(factors, "no fraud indicators")
	}
	return domain.NewResult(FraudName, score, confidence, factors...), nil
}

func fraudHeuristics(claim domain.Claim, p domain.Policy) (float64, []string) {
	var factors []string
	ratio := limitRatio(claim.Amount, p.CoverageLimit)
	if ratio > 0.9 {
		factors = append(factors, "amount near coverage limit")
	}
	pattern := 0.0
	if claim.Amount > highAmount {
		pattern += 0.4
		factors = append(factors, "high claim amount")
	}
	if claim.Amount >= 1000 && math.Mod(claim.Amount, 1000) == 0 {
		pattern += 0.3
		factors = append(factors, "round claim amount")
	}
	if len(strings.TrimSpace(claim.Description)) < vagueDescription {
		pattern += 0.3
		factors = append(factors, "vague description")
	}
	if days, ok := reportingDelay(claim); ok && days > lateReportingDays {
		pattern += 0.2
		factors = append(factors, fmt.Sprintf("reported %d days after incident", days))
	}
	return domain.Clamp01(ratio*0.4 + math.Min(1, pattern)*0.6), factors
}

func reportingDelay(claim domain.Claim) (int, bool) {
	incident, err := parseDate(claim.IncidentDate)
	if err != nil {
		return 0, false
	}
	reported, err := time.Parse(time.RFC3339Nano, claim.CreatedAt)
	if err != nil {
		return 0, false
	}
	return int(reported.Sub(incident).Hours() / 24), true
}

func fraudPrompt(claim domain.Claim, p domain.Policy) string {
	var b strings.Builder
	b.WriteString("You are an insurance special investigations analyst. Rate the fraud likelihood of this claim ")
	b.WriteString("between 0 and 1 and answer with a single line of the form FRAUD_SCORE: <number>.\n")
	fmt.Fprintf(&b, "Claim type: %s\nAmount: %.2f\nCoverage limit: %.2f\nIncident date: %s\nPrevious claims: %d\n",
		claim.ClaimType, claim.Amount, p.CoverageLimit, claim.IncidentDate, p.PreviousClaims)
	fmt.Fprintf(&b, "Description: %s\n", claim.Description)
	return b.String()
}

// ParseFraudScore extracts the FRAUD_SCORE value from a model response.
func ParseFraudScore(out string) (float64, error) {
	m := fraudScorePattern.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("fraud model response has no FRAUD_SCORE line")
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse fraud score %q: %w", m[1], err)
	}
	if v > 1 {
		return 0, fmt.Errorf("fraud score %.2f out of range", v)
	}
	return v, nil
}

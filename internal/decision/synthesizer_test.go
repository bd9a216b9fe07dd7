package decision

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"claimline/internal/domain"
	"claimline/internal/evaluator"
)

func defaultConfig() Config {
	return Config{
		Weights:          map[string]float64{"fraud": 1, "risk": 1, "external": 0},
		ApproveBelow:     0.3,
		InvestigateAbove: 0.6,
		HighValueAmount:  100000,
		DegradedPenalty:  0.25,
		MaxReasoning:     10,
	}
}

func evidence(fraud, risk, external float64) domain.Evidence {
	return domain.NewEvidence(
		domain.NewResult("external", external, 0.7, "no third-party findings"),
		domain.NewResult("fraud", fraud, 0.8, "round claim amount"),
		domain.NewResult("risk", risk, 0.9, "no policy risk indicators"),
	)
}

func TestSynthesizeBands(t *testing.T) {
	s := NewSynthesizer(defaultConfig())
	cases := []struct {
		name  string
		score float64
		want  domain.Outcome
	}{
		{"low", 0.15, domain.OutcomeApprove},
		{"approve boundary", 0.3, domain.OutcomePendingReview},
		{"middle", 0.45, domain.OutcomePendingReview},
		{"investigate boundary", 0.6, domain.OutcomePendingReview},
		{"high", 0.85, domain.OutcomeInvestigate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := s.Synthesize(evidence(tc.score, tc.score, 0.9), 8000)
			assert.Equal(t, tc.want, d.Outcome)
			assert.Equal(t, tc.score, d.CombinedRisk)
		})
	}
}

func TestSynthesizeHighValueForcesReview(t *testing.T) {
	s := NewSynthesizer(defaultConfig())
	d := s.Synthesize(evidence(0.05, 0.05, 0), 250000)
	assert.Equal(t, domain.OutcomePendingReview, d.Outcome)
	assert.Contains(t, d.Reasoning[0], "high-value threshold")

	// Investigate is already stricter than pending review.
	d = s.Synthesize(evidence(0.9, 0.9, 0), 250000)
	assert.Equal(t, domain.OutcomeInvestigate, d.Outcome)
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	s := NewSynthesizer(defaultConfig())
	ev := evidence(0.31, 0.52, 0.2)
	first := s.Synthesize(ev, 42000)
	for i := 0; i < 50; i++ {
		// Rebuild the evidence so map iteration order varies between runs.
		again := NewSynthesizer(defaultConfig()).Synthesize(evidence(0.31, 0.52, 0.2), 42000)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestSynthesizeReasoningOrderAndCap(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxReasoning = 4
	ev := domain.NewEvidence(
		domain.NewResult("zeta", 0, 1, "z1"),
		domain.NewResult("alpha", 0, 1, "a1"),
		domain.NewResult("external", 0, 1, "e1"),
		domain.NewResult("risk", 0, 1, "r1", "r2"),
		domain.NewResult("fraud", 0, 1, "f1"),
	)
	d := NewSynthesizer(cfg).Synthesize(ev, 100)
	assert.Equal(t, []string{"fraud: f1", "risk: r1", "risk: r2", "external: e1"}, d.Reasoning)

	cfg.MaxReasoning = 10
	d = NewSynthesizer(cfg).Synthesize(ev, 100)
	assert.Equal(t, []string{"fraud: f1", "risk: r1", "risk: r2", "external: e1", "alpha: a1", "zeta: z1"}, d.Reasoning)
}

func TestSynthesizeConfidencePenalty(t *testing.T) {
	s := NewSynthesizer(defaultConfig())
	healthy := s.Synthesize(evidence(0.1, 0.1, 0.1), 100)
	assert.InDelta(t, (0.8+0.9+0.7)/3, healthy.Confidence, 1e-6)

	ev := domain.NewEvidence(
		domain.NewResult("fraud", 0.1, 0.8),
		domain.NewResult("risk", 0.1, 0.9),
		evaluator.Fallback("external", 0.7, domain.ResultTimedOut),
	)
	degraded := s.Synthesize(ev, 100)
	assert.Equal(t, 1, degraded.DegradedCount)
	assert.InDelta(t, (0.8+0.9+0)/3*0.75, degraded.Confidence, 1e-6)
	assert.Less(t, degraded.Confidence, healthy.Confidence)
	// External carries no weight so its fallback score does not move the outcome.
	assert.Equal(t, domain.OutcomeApprove, degraded.Outcome)

	ev = domain.NewEvidence(
		evaluator.Fallback("fraud", 0.7, domain.ResultFailed),
		evaluator.Fallback("risk", 0.7, domain.ResultFailed),
		evaluator.Fallback("external", 0.7, domain.ResultFailed),
		evaluator.Fallback("extra", 0.7, domain.ResultFailed),
		evaluator.Fallback("more", 0.7, domain.ResultFailed),
	)
	d := s.Synthesize(ev, 100)
	assert.Equal(t, 0.0, d.Confidence)
	assert.Equal(t, domain.OutcomeInvestigate, d.Outcome)
}

func TestSynthesizeWithoutWeightedEvidenceGoesToHuman(t *testing.T) {
	d := NewSynthesizer(defaultConfig()).Synthesize(domain.NewEvidence(domain.NewResult("external", 0, 1)), 100)
	assert.Equal(t, domain.OutcomeInvestigate, d.Outcome)
	assert.Equal(t, 1.0, d.CombinedRisk)
}

func TestDenyAndForceReview(t *testing.T) {
	d := Deny("policy POL-1 is lapsed")
	assert.Equal(t, domain.OutcomeDeny, d.Outcome)
	assert.Equal(t, []string{"policy: policy POL-1 is lapsed"}, d.Reasoning)

	f := ForceReview("database is locked", 3)
	assert.Equal(t, domain.OutcomePendingReview, f.Outcome)
	assert.Equal(t, []string{fmt.Sprintf("processing failure: %s (after %d attempts)", "database is locked", 3)}, f.Reasoning)
}

// Package decision turns merged evaluator evidence into a single
// recommendation. Synthesize is a pure function: the same evidence and
// amount always produce the same decision.
package decision

import (
	"fmt"
	"math"
	"sort"

	"claimline/internal/domain"
)

type Config struct {
	Weights          map[string]float64
	ApproveBelow     float64
	InvestigateAbove float64
	HighValueAmount  float64
	DegradedPenalty  float64
	MaxReasoning     int
}

// reasoningOrder fixes the position of the core evaluators in the reasoning
// trail. Other evaluators follow in name order.
var reasoningOrder = map[string]int{"fraud": 0, "risk": 1, "external": 2}

type Synthesizer struct {
	cfg Config
}

func NewSynthesizer(cfg Config) *Synthesizer {
	if cfg.MaxReasoning <= 0 {
		cfg.MaxReasoning = 10
	}
	return &Synthesizer{cfg: cfg}
}

// Synthesize combines evidence into a decision. SynthesizedAt is left empty
// for the caller to stamp.
func (s *Synthesizer) Synthesize(ev domain.Evidence, amount float64) domain.Decision {
	names := orderedNames(ev.Results)

	risk := round(s.combinedRisk(ev, names))
	var outcome domain.Outcome
	switch {
	case risk < s.cfg.ApproveBelow:
		outcome = domain.OutcomeApprove
	case risk <= s.cfg.InvestigateAbove:
		outcome = domain.OutcomePendingReview
	default:
		outcome = domain.OutcomeInvestigate
	}

	var reasoning []string
	if s.cfg.HighValueAmount > 0 && amount > s.cfg.HighValueAmount && outcome == domain.OutcomeApprove {
		outcome = domain.OutcomePendingReview
		reasoning = append(reasoning, fmt.Sprintf("decision: amount %.2f above high-value threshold %.2f requires human review", amount, s.cfg.HighValueAmount))
	}
	for _, name := range names {
		for _, f := range ev.Results[name].Factors {
			reasoning = append(reasoning, name+": "+f)
		}
	}
	if len(reasoning) > s.cfg.MaxReasoning {
		reasoning = reasoning[:s.cfg.MaxReasoning]
	}

	return domain.Decision{
		Outcome:       outcome,
		Confidence:    s.confidence(ev, names),
		CombinedRisk:  risk,
		DegradedCount: ev.DegradedCount,
		Reasoning:     reasoning,
	}
}

// combinedRisk is the weighted mean of evaluator scores. Evaluators without
// a positive weight do not contribute. With no weighted evidence the result
// is 1 so the claim goes to a human.
func (s *Synthesizer) combinedRisk(ev domain.Evidence, names []string) float64 {
	var sum, total float64
	for _, name := range names {
		w := s.cfg.Weights[name]
		if w <= 0 {
			continue
		}
		sum += w * ev.Results[name].Score
		total += w
	}
	if total == 0 {
		return 1
	}
	return domain.Clamp01(sum / total)
}

func (s *Synthesizer) confidence(ev domain.Evidence, names []string) float64 {
	if len(names) == 0 {
		return 0
	}
	var sum float64
	for _, name := range names {
		sum += ev.Results[name].Confidence
	}
	mean := sum / float64(len(names))
	factor := math.Max(0, 1-s.cfg.DegradedPenalty*float64(ev.DegradedCount))
	return round(domain.Clamp01(mean * factor))
}

// Deny builds the decision for a claim rejected by the policy gate.
func Deny(reason string) domain.Decision {
	return domain.Decision{
		Outcome:      domain.OutcomeDeny,
		Confidence:   1,
		CombinedRisk: 1,
		Reasoning:    []string{"policy: " + reason},
	}
}

// ForceReview builds the decision for a claim whose pipeline kept failing.
func ForceReview(cause string, attempts int) domain.Decision {
	return domain.Decision{
		Outcome:   domain.OutcomePendingReview,
		Reasoning: []string{fmt.Sprintf("processing failure: %s (after %d attempts)", cause, attempts)},
	}
}

func orderedNames(results map[string]domain.EvaluationResult) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := reasoningOrder[names[i]]
		oj, jok := reasoningOrder[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// round trims float noise so equal inputs compare equal after JSON round trips.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

package engine

import (
	"fmt"

	"claimline/internal/domain"
)

func ensureClaimTransition(from, to domain.ClaimStatus) error {
	switch from {
	case domain.StatusSubmitted:
		if to == domain.StatusPolicyValidating || to == domain.StatusProcessingFailed {
			return nil
		}
	case domain.StatusPolicyValidating:
		if to == domain.StatusEvaluating || to == domain.StatusDenied || to == domain.StatusProcessingFailed {
			return nil
		}
	case domain.StatusEvaluating:
		if to == domain.StatusSynthesizing || to == domain.StatusProcessingFailed {
			return nil
		}
	case domain.StatusSynthesizing:
		switch to {
		case domain.StatusAutoApproved, domain.StatusDenied, domain.StatusPendingReview,
			domain.StatusUnderInvestigation, domain.StatusProcessingFailed:
			return nil
		}
	case domain.StatusProcessingFailed:
		// Retries re-enter the pipeline; exhausted retries hand off to a human,
		// to the investigation queue when an earlier attempt already opened one.
		if to == domain.StatusPolicyValidating || to == domain.StatusPendingReview || to == domain.StatusUnderInvestigation {
			return nil
		}
	case domain.StatusPendingReview, domain.StatusUnderInvestigation:
		if to == domain.StatusApproved || to == domain.StatusDenied {
			return nil
		}
	}
	return fmt.Errorf("invalid claim status transition %s -> %s", from, to)
}

// transition moves c to status and appends the step to its history.
func transition(c *domain.Claim, to domain.ClaimStatus, at, note string) error {
	if err := ensureClaimTransition(c.Status, to); err != nil {
		return err
	}
	c.History = append(c.History, domain.Transition{From: c.Status, To: to, At: at, Note: note})
	c.Status = to
	c.UpdatedAt = at
	return nil
}

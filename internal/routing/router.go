package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimline/internal/domain"
)

type Config struct {
	UrgentRiskAbove          float64
	VeryHighAmount           float64
	AdjusterAuthorityLimit   float64
	LargeLossAmount          float64
	ReviewSLA                time.Duration
	FraudReportingDeadline   time.Duration
	CoverageDecisionDeadline time.Duration
	ConsumerProtectionStates []string
}

// Route is where a decided claim goes next.
type Route struct {
	Status domain.ClaimStatus
	// Task is nil for terminal outcomes.
	Task *domain.ReviewTask
}

// Router maps decisions onto claim statuses and review queues. It reads only
// the clock.
type Router struct {
	cfg Config
	Now func() time.Time
}

func NewRouter(cfg Config) *Router {
	if cfg.ReviewSLA <= 0 {
		cfg.ReviewSLA = 72 * time.Hour
	}
	return &Router{cfg: cfg, Now: time.Now}
}

// TaskID returns the review task id for a claim. A claim never has more than
// one task, so the id is derived from the claim id.
func TaskID(claimID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("review|"+claimID)).String()
}

// StatusFor returns the claim status that matches a review queue.
func StatusFor(role domain.ReviewRole) domain.ClaimStatus {
	if role == domain.RoleSIUInvestigator {
		return domain.StatusUnderInvestigation
	}
	return domain.StatusPendingReview
}

func (r *Router) Route(claim domain.Claim, d domain.Decision) Route {
	switch d.Outcome {
	case domain.OutcomeApprove:
		return Route{Status: domain.StatusAutoApproved}
	case domain.OutcomeDeny:
		return Route{Status: domain.StatusDenied}
	case domain.OutcomeInvestigate:
		priority := domain.PriorityHigh
		if d.CombinedRisk > r.cfg.UrgentRiskAbove || (r.cfg.VeryHighAmount > 0 && claim.Amount > r.cfg.VeryHighAmount) {
			priority = domain.PriorityUrgent
		}
		reqs := append([]string{"SIU referral documented", "licensed SIU investigator review"}, r.requirements(claim)...)
		return Route{
			Status: domain.StatusUnderInvestigation,
			Task:   r.task(claim, d, domain.RoleSIUInvestigator, priority, r.cfg.FraudReportingDeadline, reqs),
		}
	default:
		role := domain.RoleAdjuster
		escalated := r.cfg.AdjusterAuthorityLimit > 0 && claim.Amount > r.cfg.AdjusterAuthorityLimit
		if escalated {
			role = domain.RoleSeniorAdjuster
		}
		priority := domain.PriorityNormal
		if escalated || d.DegradedCount > 0 {
			priority = domain.PriorityHigh
		}
		return Route{
			Status: domain.StatusPendingReview,
			Task:   r.task(claim, d, role, priority, r.cfg.CoverageDecisionDeadline, r.requirements(claim)),
		}
	}
}

func (r *Router) task(claim domain.Claim, d domain.Decision, role domain.ReviewRole, p domain.Priority, deadline time.Duration, reqs []string) *domain.ReviewTask {
	now := r.now()
	t := &domain.ReviewTask{
		ID:                     TaskID(claim.ID),
		ClaimID:                claim.ID,
		AssignedRole:           role,
		Priority:               p,
		Status:                 domain.TaskOpen,
		DueAt:                  now.Add(r.cfg.ReviewSLA).Format(time.RFC3339),
		RegulatoryRequirements: reqs,
		AISnapshot:             d.Copy(),
		CreatedAt:              now.Format(time.RFC3339),
	}
	if deadline > 0 {
		t.RegulatoryDeadline = now.Add(deadline).Format(time.RFC3339)
	}
	return t
}

func (r *Router) requirements(claim domain.Claim) []string {
	var reqs []string
	if r.cfg.LargeLossAmount > 0 && claim.Amount > r.cfg.LargeLossAmount {
		reqs = append(reqs, fmt.Sprintf("large loss reporting (amount over %.0f)", r.cfg.LargeLossAmount))
	}
	if claim.Jurisdiction != "" {
		for _, st := range r.cfg.ConsumerProtectionStates {
			if strings.EqualFold(st, claim.Jurisdiction) {
				reqs = append(reqs, "enhanced consumer protection ("+strings.ToUpper(st)+")")
				break
			}
		}
	}
	return reqs
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/domain"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newRouter() *Router {
	r := NewRouter(Config{
		UrgentRiskAbove:          0.8,
		VeryHighAmount:           500000,
		AdjusterAuthorityLimit:   10000,
		LargeLossAmount:          100000,
		ReviewSLA:                72 * time.Hour,
		FraudReportingDeadline:   240 * time.Hour,
		CoverageDecisionDeadline: 720 * time.Hour,
		ConsumerProtectionStates: []string{"CA", "NY", "FL"},
	})
	r.Now = func() time.Time { return fixedNow }
	return r
}

func TestRouteTerminalOutcomes(t *testing.T) {
	r := newRouter()
	c := domain.Claim{ID: "clm-1", Amount: 8000}
	approve := r.Route(c, domain.Decision{Outcome: domain.OutcomeApprove, CombinedRisk: 0.15})
	assert.Equal(t, domain.StatusAutoApproved, approve.Status)
	assert.Nil(t, approve.Task)

	deny := r.Route(c, domain.Decision{Outcome: domain.OutcomeDeny})
	assert.Equal(t, domain.StatusDenied, deny.Status)
	assert.Nil(t, deny.Task)
}

func TestRouteInvestigateToSIU(t *testing.T) {
	r := newRouter()
	c := domain.Claim{ID: "clm-2", Amount: 20000}

	urgent := r.Route(c, domain.Decision{Outcome: domain.OutcomeInvestigate, CombinedRisk: 0.85})
	require.NotNil(t, urgent.Task)
	assert.Equal(t, domain.StatusUnderInvestigation, urgent.Status)
	assert.Equal(t, domain.RoleSIUInvestigator, urgent.Task.AssignedRole)
	assert.Equal(t, domain.PriorityUrgent, urgent.Task.Priority)
	assert.Equal(t, "2024-03-04T09:00:00Z", urgent.Task.DueAt)
	assert.Equal(t, "2024-03-11T09:00:00Z", urgent.Task.RegulatoryDeadline)

	high := r.Route(c, domain.Decision{Outcome: domain.OutcomeInvestigate, CombinedRisk: 0.7})
	assert.Equal(t, domain.PriorityHigh, high.Task.Priority)

	big := r.Route(domain.Claim{ID: "clm-3", Amount: 600000}, domain.Decision{Outcome: domain.OutcomeInvestigate, CombinedRisk: 0.7})
	assert.Equal(t, domain.PriorityUrgent, big.Task.Priority)
	assert.Contains(t, big.Task.RegulatoryRequirements, "large loss reporting (amount over 100000)")
}

func TestRoutePendingReviewEscalation(t *testing.T) {
	r := newRouter()
	small := r.Route(domain.Claim{ID: "a", Amount: 9000}, domain.Decision{Outcome: domain.OutcomePendingReview, CombinedRisk: 0.4})
	assert.Equal(t, domain.StatusPendingReview, small.Status)
	assert.Equal(t, domain.RoleAdjuster, small.Task.AssignedRole)
	assert.Equal(t, domain.PriorityNormal, small.Task.Priority)
	assert.Equal(t, "2024-03-31T09:00:00Z", small.Task.RegulatoryDeadline)

	degraded := r.Route(domain.Claim{ID: "b", Amount: 9000}, domain.Decision{Outcome: domain.OutcomePendingReview, DegradedCount: 1})
	assert.Equal(t, domain.PriorityHigh, degraded.Task.Priority)

	large := r.Route(domain.Claim{ID: "c", Amount: 250000, Jurisdiction: "ca"}, domain.Decision{Outcome: domain.OutcomePendingReview})
	assert.Equal(t, domain.RoleSeniorAdjuster, large.Task.AssignedRole)
	assert.Equal(t, domain.PriorityHigh, large.Task.Priority)
	assert.Equal(t, []string{"large loss reporting (amount over 100000)", "enhanced consumer protection (CA)"}, large.Task.RegulatoryRequirements)
}

func TestRouteSnapshotIsACopy(t *testing.T) {
	r := newRouter()
	d := domain.Decision{Outcome: domain.OutcomePendingReview, Reasoning: []string{"fraud: vague description"}}
	route := r.Route(domain.Claim{ID: "clm-9", Amount: 100}, d)
	d.Reasoning[0] = "mutated"
	assert.Equal(t, "fraud: vague description", route.Task.AISnapshot.Reasoning[0])
}

func TestTaskIDIsStablePerClaim(t *testing.T) {
	assert.Equal(t, TaskID("clm-1"), TaskID("clm-1"))
	assert.NotEqual(t, TaskID("clm-1"), TaskID("clm-2"))
	r := newRouter()
	route := r.Route(domain.Claim{ID: "clm-1", Amount: 100}, domain.Decision{Outcome: domain.OutcomePendingReview})
	assert.Equal(t, TaskID("clm-1"), route.Task.ID)
}

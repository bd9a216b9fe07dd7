package repo_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/migrate"
	"claimline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return repo.New(conn, now), context.Background()
}

func samplePolicy() domain.Policy {
	return domain.Policy{
		Number:         "POL-1",
		HolderName:     "Jane Roe",
		Status:         "active",
		EffectiveDate:  "2023-01-01",
		ExpirationDate: "2025-01-01",
		CoverageLimit:  50000,
		Deductible:     500,
		CoveredPerils:  []string{"collision", "theft"},
		PreviousClaims: 1,
		PremiumStatus:  "current",
	}
}

func sampleClaim(id string) domain.Claim {
	return domain.Claim{
		ID:           id,
		PolicyNumber: "POL-1",
		ClaimType:    "collision",
		Amount:       8000,
		IncidentDate: "2024-01-01",
		Description:  "rear ended at a light",
		Status:       domain.StatusSubmitted,
		CreatedAt:    "2024-01-01T00:00:00Z",
		UpdatedAt:    "2024-01-01T00:00:00Z",
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	p := samplePolicy()
	require.NoError(t, r.UpsertPolicy(ctx, p, "tester"))
	got, err := r.GetPolicy(ctx, "POL-1")
	require.NoError(t, err)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("policy mismatch (-want +got):\n%s", diff)
	}

	p.Status = "lapsed"
	require.NoError(t, r.UpsertPolicy(ctx, p, "tester"))
	got, err = r.GetPolicy(ctx, "POL-1")
	require.NoError(t, err)
	assert.Equal(t, "lapsed", got.Status)

	_, err = r.GetPolicy(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertClaimIsIdempotent(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := sampleClaim("clm-1")
	_, created, err := r.InsertClaim(ctx, c, "intake")
	require.NoError(t, err)
	assert.True(t, created)

	dup := c
	dup.Amount = 99
	got, created, err := r.InsertClaim(ctx, dup, "intake")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 8000.0, got.Amount)

	evts, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.ClaimSubmitted})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestSaveClaimRecordsTransitionsAndDecision(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := sampleClaim("clm-2")
	_, _, err := r.InsertClaim(ctx, c, "intake")
	require.NoError(t, err)

	ev := domain.NewEvidence(domain.NewResult("fraud", 0.1, 0.9, "ok"))
	c.Status = domain.StatusPendingReview
	c.Evidence = &ev
	c.Decision = &domain.Decision{Outcome: domain.OutcomePendingReview, Confidence: 0.8, Reasoning: []string{"fraud: ok"}}
	c.History = []domain.Transition{{From: domain.StatusSubmitted, To: domain.StatusPendingReview, At: "2024-01-01T00:00:00Z"}}
	require.NoError(t, r.SaveClaim(ctx, c))

	got, err := r.LoadClaim(ctx, "clm-2")
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("claim mismatch (-want +got):\n%s", diff)
	}

	decided, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.ClaimDecided, EntityID: "clm-2"})
	require.NoError(t, err)
	require.Len(t, decided, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(decided[0].Payload), &payload))
	assert.Equal(t, "pending_review", payload["outcome"])

	// Saving the same status again does not add events.
	require.NoError(t, r.SaveClaim(ctx, c))
	transitions, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.ClaimTransition, EntityID: "clm-2"})
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestCreateReviewTaskOncePerClaim(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, _, err := r.InsertClaim(ctx, sampleClaim("clm-3"), "intake")
	require.NoError(t, err)

	task := domain.ReviewTask{
		ID:                     "task-1",
		ClaimID:                "clm-3",
		AssignedRole:           domain.RoleSIUInvestigator,
		Priority:               domain.PriorityUrgent,
		DueAt:                  "2024-01-04T00:00:00Z",
		RegulatoryRequirements: []string{"siu referral"},
		AISnapshot:             domain.Decision{Outcome: domain.OutcomeInvestigate, Reasoning: []string{"fraud: round amount"}},
	}
	require.NoError(t, r.CreateReviewTask(ctx, task))
	other := task
	other.ID = "task-2"
	require.NoError(t, r.CreateReviewTask(ctx, other))

	tasks, err := r.ListReviewTasks(ctx, repo.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, domain.TaskOpen, tasks[0].Status)
	assert.Equal(t, []string{"fraud: round amount"}, tasks[0].AISnapshot.Reasoning)

	byClaim, err := r.GetReviewTaskByClaim(ctx, "clm-3")
	require.NoError(t, err)
	assert.Equal(t, "task-1", byClaim.ID)
}

func TestListReviewTasksQueueOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	mk := func(id string, p domain.Priority, due string) {
		_, _, err := r.InsertClaim(ctx, sampleClaim("clm-"+id), "intake")
		require.NoError(t, err)
		require.NoError(t, r.CreateReviewTask(ctx, domain.ReviewTask{
			ID: id, ClaimID: "clm-" + id, AssignedRole: domain.RoleAdjuster, Priority: p, DueAt: due,
		}))
	}
	mk("a", domain.PriorityNormal, "2024-01-02T00:00:00Z")
	mk("b", domain.PriorityUrgent, "2024-01-05T00:00:00Z")
	mk("c", domain.PriorityHigh, "2024-01-03T00:00:00Z")
	mk("d", domain.PriorityHigh, "2024-01-02T00:00:00Z")

	tasks, err := r.ListReviewTasks(ctx, repo.TaskFilters{Role: string(domain.RoleAdjuster)})
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)
}

func TestCloseReviewTaskSettlesClaim(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := sampleClaim("clm-4")
	c.Status = domain.StatusPendingReview
	_, _, err := r.InsertClaim(ctx, c, "intake")
	require.NoError(t, err)
	require.NoError(t, r.CreateReviewTask(ctx, domain.ReviewTask{
		ID: "task-4", ClaimID: "clm-4", AssignedRole: domain.RoleAdjuster, Priority: domain.PriorityNormal, DueAt: "2024-01-04T00:00:00Z",
	}))

	task, err := r.CloseReviewTask(ctx, "task-4", "adj-1", "documents verified", domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClosed, task.Status)
	assert.Equal(t, "adj-1", task.ClosedBy)

	got, err := r.LoadClaim(ctx, "clm-4")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, domain.StatusPendingReview, got.History[0].From)

	_, err = r.CloseReviewTask(ctx, "task-4", "adj-1", "again", domain.StatusDenied)
	assert.ErrorIs(t, err, repo.ErrTaskClosed)
	_, err = r.CloseReviewTask(ctx, "missing", "adj-1", "", domain.StatusDenied)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	hash := repo.HashAPIKey(" secret ")
	assert.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ActorID: "adj-1", Roles: []string{"adjuster"}, KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []string{"adjuster"}, key.Roles)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}

func TestListClaimIDsByStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := sampleClaim("clm-a")
	b := sampleClaim("clm-b")
	b.Status = domain.StatusProcessingFailed
	b.CreatedAt = "2024-01-02T00:00:00Z"
	for _, c := range []domain.Claim{a, b} {
		_, _, err := r.InsertClaim(ctx, c, "intake")
		require.NoError(t, err)
	}
	ids, err := r.ListClaimIDsByStatus(ctx, domain.StatusSubmitted, domain.StatusProcessingFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"clm-a", "clm-b"}, ids)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/engine/auth"
	"claimline/internal/evaluator"
	"claimline/internal/events"
	"claimline/internal/metrics"
	"claimline/internal/migrate"
)

const testSecret = "test-secret"

type fixedScore struct {
	name  string
	score float64
}

func (f fixedScore) Name() string { return f.name }

func (f fixedScore) Evaluate(context.Context, domain.Claim) (domain.EvaluationResult, error) {
	return domain.NewResult(f.name, f.score, 0.9, f.name+" finding"), nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, score float64) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	m := metrics.New()
	e, err := engine.New(conn, cfg, engine.EngineOptions{Options: engine.Options{
		Metrics: m,
		Evaluators: []evaluator.Evaluator{
			fixedScore{evaluator.FraudName, score},
			fixedScore{evaluator.RiskName, score},
			fixedScore{evaluator.ExternalName, score},
		},
		Now: func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) },
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	_, err = e.UpsertPolicy(context.Background(), domain.Policy{
		Number:         "POL-1",
		Status:         "active",
		EffectiveDate:  "2023-01-01",
		ExpirationDate: "2026-01-01",
		CoverageLimit:  1000000,
		CoveredPerils:  []string{"collision"},
		PremiumStatus:  "current",
	}, auth.Actor{ID: "ops", Roles: []string{"admin"}})
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		Metrics:  m,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := signToken(testSecret, actor, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func claimBody(id string, amount float64) map[string]any {
	return map[string]any{
		"id":            id,
		"policy_number": "POL-1",
		"claim_type":    "collision",
		"amount":        amount,
		"incident_date": "2024-02-01",
		"description":   "rear ended at a traffic light on the way to work, bumper and trunk damaged",
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestSubmitClaimIsAccepted(t *testing.T) {
	srv := newTestServer(t, 0.15)
	intake := bearer(t, "portal", "intake")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims", claimBody("clm-1", 8000), intake)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var claim domain.Claim
	require.NoError(t, json.Unmarshal(data, &claim))
	assert.Equal(t, "clm-1", claim.ID)
	assert.Equal(t, domain.StatusSubmitted, claim.Status)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims/clm-1", nil, intake)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims/missing", nil, intake)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestSubmitValidationIsBadRequest(t *testing.T) {
	srv := newTestServer(t, 0.15)
	intake := bearer(t, "portal", "intake")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims", claimBody("clm-1", 0), intake)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	body := claimBody("clm-2", 100)
	body["incident_date"] = "yesterday"
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims", body, intake)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_claim", errorCode(t, data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims", claimBody("clm-3", 100), bearer(t, "ann", "adjuster"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))
}

func TestWaitedClaimIsRoutedAndClosedByQueueRole(t *testing.T) {
	srv := newTestServer(t, 0.45)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims?wait=true", claimBody("clm-1", 20000), bearer(t, "portal", "intake"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claim domain.Claim
	require.NoError(t, json.Unmarshal(data, &claim))
	require.Equal(t, domain.StatusPendingReview, claim.Status)
	require.NotEmpty(t, claim.ReviewTaskID)
	require.NotNil(t, claim.Decision)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/review-tasks?role=senior_adjuster", nil, bearer(t, "sam", "senior_adjuster"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list ReviewTaskList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, claim.ReviewTaskID, list.Items[0].ID)

	closeURL := srv.URL + "/v1/review-tasks/" + claim.ReviewTaskID + "/close"
	res, data = doJSON(t, srv.client, http.MethodPost, closeURL, map[string]any{"outcome": "approve"}, bearer(t, "ann", "adjuster"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, closeURL, map[string]any{"outcome": "escalate"}, bearer(t, "sam", "senior_adjuster"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, closeURL, map[string]any{
		"outcome":    "approve",
		"resolution": "estimate verified",
	}, bearer(t, "sam", "senior_adjuster"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var task domain.ReviewTask
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, domain.TaskClosed, task.Status)

	res, data = doJSON(t, srv.client, http.MethodPost, closeURL, map[string]any{"outcome": "deny"}, bearer(t, "sam", "senior_adjuster"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "task_closed", errorCode(t, data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims/clm-1", nil, bearer(t, "sam", "senior_adjuster"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &claim))
	assert.Equal(t, domain.StatusApproved, claim.Status)
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t, 0.15)

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	forged, err := signToken("other-secret", "mallory", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv := newTestServer(t, 0.15)
	admin := bearer(t, "ops", "admin")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"actor_id": "portal",
		"name":     "intake portal",
		"roles":    []string{"intake"},
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.Key)

	keyHeader := map[string]string{"X-Api-Key": created.Key}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "portal", me.ActorID)
	assert.Equal(t, "api_key", me.Source)
	assert.Contains(t, me.Permissions, auth.PermClaimSubmit)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/api-keys", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var keys APIKeyList
	require.NoError(t, json.Unmarshal(data, &keys))
	require.Len(t, keys.Items, 1)
	assert.Empty(t, keys.Items[0].Key)

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/api-keys/"+created.ID, nil, admin)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t, 0.15)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "sam",
		"roles":    []string{"senior_adjuster"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, []string{"senior_adjuster"}, me.Roles)
	assert.Contains(t, me.Permissions, "review.close.senior_adjuster")
	assert.Equal(t, "jwt", me.Source)
}

func TestPoliciesAndEvents(t *testing.T) {
	srv := newTestServer(t, 0.15)
	admin := bearer(t, "ops", "admin")

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/policies/POL-2", map[string]any{
		"effective_date":  "2024-01-01",
		"expiration_date": "2025-01-01",
		"coverage_limit":  50000,
		"covered_perils":  []string{"theft"},
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p domain.Policy
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "POL-2", p.Number)
	assert.Equal(t, "active", p.Status)

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/policies/POL-3", map[string]any{
		"effective_date":  "2024-01-01",
		"expiration_date": "2023-01-01",
		"coverage_limit":  50000,
	}, admin)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/policies", nil, bearer(t, "ann", "adjuster"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var policies PolicyList
	require.NoError(t, json.Unmarshal(data, &policies))
	assert.Len(t, policies.Items, 2)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?type="+events.PolicyUpserted, nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts EventList
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 2)
	assert.Equal(t, "POL-2", evts.Items[0].EntityID)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events", nil, bearer(t, "ann", "adjuster"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, 0.15)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims?wait=true", claimBody("clm-1", 8000), bearer(t, "portal", "intake"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `claimline_pipeline_claims_settled_total{status="auto_approved"} 1`)
}

type recordedDelivery struct {
	header http.Header
	body   webhookEvent
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	srv := newTestServer(t, 0.15)

	var mu sync.Mutex
	var got []recordedDelivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, recordedDelivery{header: r.Header.Clone(), body: evt})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{
		URL:    hook.URL,
		Events: []string{events.ClaimDecided},
		Secret: "s3cret",
	}}, nil)
	ctx := context.Background()
	// The first pass only positions the cursor after existing events.
	d.DispatchAll(ctx)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims?wait=true", claimBody("clm-1", 8000), bearer(t, "portal", "intake"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, events.ClaimDecided, got[0].header.Get("X-Claimline-Event"))
	assert.Equal(t, "s3cret", got[0].header.Get("X-Claimline-Secret"))
	assert.Equal(t, "clm-1", got[0].body.EntityID)
	assert.True(t, strings.Contains(string(got[0].body.Payload), "auto_approved"), string(got[0].body.Payload))
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv := newTestServer(t, 0.15)

	var mu sync.Mutex
	fail := true
	var delivered []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		delivered = append(delivered, evt.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{URL: hook.URL, Events: []string{events.ClaimSubmitted}}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims", claimBody("clm-1", 8000), bearer(t, "portal", "intake"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	mu.Lock()
	assert.Empty(t, delivered)
	fail = false
	mu.Unlock()

	d.DispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 1)
}

package claimlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitClaimSendsKeyAndWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/claims", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		assert.Equal(t, "cl_key", r.Header.Get("X-Api-Key"))
		var req ClaimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(Claim{ID: req.ID, Status: "auto_approved", Amount: req.Amount})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "cl_key"
	claim, err := c.SubmitClaim(context.Background(), ClaimRequest{ID: "clm-1", PolicyNumber: "POL-1", ClaimType: "collision", Amount: 800, IncidentDate: "2024-02-01"}, true)
	require.NoError(t, err)
	assert.Equal(t, "clm-1", claim.ID)
	assert.Equal(t, "auto_approved", claim.Status)
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/review-tasks/rt-1/close", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.CloseReviewTask(context.Background(), "rt-1", "approve", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

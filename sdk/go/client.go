package claimlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Claimline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// ClaimRequest is the submission payload.
type ClaimRequest struct {
	ID           string  `json:"id,omitempty"`
	PolicyNumber string  `json:"policy_number"`
	ClaimType    string  `json:"claim_type"`
	Amount       float64 `json:"amount"`
	IncidentDate string  `json:"incident_date"`
	Description  string  `json:"description,omitempty"`
	ClaimantName string  `json:"claimant_name,omitempty"`
	Jurisdiction string  `json:"jurisdiction,omitempty"`
}

// Decision is the synthesized recommendation (partial).
type Decision struct {
	Outcome      string   `json:"outcome"`
	Confidence   float64  `json:"confidence"`
	CombinedRisk float64  `json:"combined_risk"`
	Reasoning    []string `json:"reasoning"`
}

// Claim represents the API claim model (partial).
type Claim struct {
	ID           string    `json:"id"`
	PolicyNumber string    `json:"policy_number"`
	ClaimType    string    `json:"claim_type"`
	Amount       float64   `json:"amount"`
	Status       string    `json:"status"`
	Decision     *Decision `json:"decision,omitempty"`
	ReviewTaskID string    `json:"review_task_id,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
}

// ReviewTask represents a human review work item (partial).
type ReviewTask struct {
	ID                     string   `json:"id"`
	ClaimID                string   `json:"claim_id"`
	AssignedRole           string   `json:"assigned_role"`
	Priority               string   `json:"priority"`
	Status                 string   `json:"status"`
	DueAt                  string   `json:"due_at"`
	RegulatoryDeadline     string   `json:"regulatory_deadline,omitempty"`
	RegulatoryRequirements []string `json:"regulatory_requirements,omitempty"`
	Resolution             string   `json:"resolution,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitClaim submits a claim. With wait the server evaluates it before
// answering; otherwise the returned claim is still submitted.
func (c *Client) SubmitClaim(ctx context.Context, req ClaimRequest, wait bool) (Claim, error) {
	var resp Claim
	endpoint := "claims"
	if wait {
		endpoint += "?wait=true"
	}
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

func (c *Client) GetClaim(ctx context.Context, id string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodGet, "claims/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListReviewTasks returns tasks in queue order. Empty filters are ignored.
func (c *Client) ListReviewTasks(ctx context.Context, status, role string, limit int) ([]ReviewTask, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []ReviewTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("review-tasks", q), nil, &resp)
	return resp.Items, err
}

// CloseReviewTask records an approve or deny decision.
func (c *Client) CloseReviewTask(ctx context.Context, taskID, outcome, resolution string) (ReviewTask, error) {
	body := map[string]any{"outcome": outcome}
	if resolution != "" {
		body["resolution"] = resolution
	}
	var resp ReviewTask
	err := c.do(ctx, http.MethodPost, "review-tasks/"+url.PathEscape(taskID)+"/close", body, &resp)
	return resp, err
}

// Events returns the newest events first.
func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

package server

import (
	"encoding/json"

	"claimline/internal/domain"
)

// Request payloads

type SubmitClaimRequest struct {
	ID           string  `json:"id,omitempty" doc:"Idempotency key; generated when omitted"`
	PolicyNumber string  `json:"policy_number" minLength:"1"`
	ClaimType    string  `json:"claim_type" minLength:"1" example:"collision"`
	Amount       float64 `json:"amount" exclusiveMinimum:"0"`
	IncidentDate string  `json:"incident_date" example:"2024-02-01"`
	Description  string  `json:"description,omitempty"`
	ClaimantName string  `json:"claimant_name,omitempty"`
	Jurisdiction string  `json:"jurisdiction,omitempty" example:"CA"`
}

type CloseReviewTaskRequest struct {
	Outcome    string `json:"outcome" enum:"approve,deny"`
	Resolution string `json:"resolution,omitempty"`
}

type PolicyRequest struct {
	HolderName     string   `json:"holder_name,omitempty"`
	Status         string   `json:"status,omitempty" enum:"active,inactive,lapsed,cancelled"`
	EffectiveDate  string   `json:"effective_date" example:"2024-01-01"`
	ExpirationDate string   `json:"expiration_date" example:"2025-01-01"`
	CoverageLimit  float64  `json:"coverage_limit" minimum:"0"`
	Deductible     float64  `json:"deductible,omitempty" minimum:"0"`
	CoveredPerils  []string `json:"covered_perils,omitempty"`
	Exclusions     []string `json:"exclusions,omitempty"`
	PreviousClaims int      `json:"previous_claims,omitempty" minimum:"0"`
	PremiumStatus  string   `json:"premium_status,omitempty" example:"current"`
}

func (p PolicyRequest) policy(number string) domain.Policy {
	return domain.Policy{
		Number:         number,
		HolderName:     p.HolderName,
		Status:         p.Status,
		EffectiveDate:  p.EffectiveDate,
		ExpirationDate: p.ExpirationDate,
		CoverageLimit:  p.CoverageLimit,
		Deductible:     p.Deductible,
		CoveredPerils:  p.CoveredPerils,
		Exclusions:     p.Exclusions,
		PreviousClaims: p.PreviousClaims,
		PremiumStatus:  p.PremiumStatus,
	}
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id" minLength:"1"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles" minItems:"1"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ClaimList struct {
	Items []domain.Claim `json:"items"`
}

type ReviewTaskList struct {
	Items []domain.ReviewTask `json:"items"`
}

type PolicyList struct {
	Items []domain.Policy `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type APIKeyResponse struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at"`
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

type APIKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	roles := k.Roles
	if roles == nil {
		roles = []string{}
	}
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, Roles: roles, CreatedAt: k.CreatedAt}
}

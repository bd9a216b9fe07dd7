package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"claimline/internal/domain"
	"claimline/internal/events"
)

const claimColumns = `id,policy_number,claim_type,amount,incident_date,COALESCE(description,''),COALESCE(claimant_name,''),COALESCE(jurisdiction,''),
status,policy_check_json,evidence_json,decision_json,COALESCE(review_task_id,''),attempts,COALESCE(last_error,''),history_json,created_at,updated_at`

func scanClaim(row rowScanner) (domain.Claim, error) {
	var c domain.Claim
	var status, history string
	var policyCheck, evidence, decision sql.NullString
	err := row.Scan(&c.ID, &c.PolicyNumber, &c.ClaimType, &c.Amount, &c.IncidentDate, &c.Description, &c.ClaimantName,
		&c.Jurisdiction, &status, &policyCheck, &evidence, &decision, &c.ReviewTaskID, &c.Attempts, &c.LastError,
		&history, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.ClaimStatus(status)
	if c.PolicyCheck, err = unmarshalOptional[domain.EvaluationResult](policyCheck, "policy_check"); err != nil {
		return c, err
	}
	if c.Evidence, err = unmarshalOptional[domain.Evidence](evidence, "evidence"); err != nil {
		return c, err
	}
	if c.Decision, err = unmarshalOptional[domain.Decision](decision, "decision"); err != nil {
		return c, err
	}
	h, err := unmarshalOptional[[]domain.Transition](sql.NullString{String: history, Valid: true}, "history")
	if err != nil {
		return c, err
	}
	if h != nil && len(*h) > 0 {
		c.History = *h
	}
	return c, nil
}

// InsertClaim stores a newly submitted claim. When a claim with the same id
// already exists it is returned unchanged with created=false.
func (r Repo) InsertClaim(ctx context.Context, c domain.Claim, actorID string) (domain.Claim, bool, error) {
	if c.ID == "" {
		return domain.Claim{}, false, errors.New("claim id required")
	}
	created := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		args, err := claimArgs(c)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO claims(`+claimInsertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		created = true
		return r.Events.Append(ctx, tx, events.ClaimSubmitted, "claim", c.ID, actorID, events.EventPayload{
			"policy_number": c.PolicyNumber,
			"claim_type":    c.ClaimType,
			"amount":        c.Amount,
		})
	})
	if err != nil {
		return domain.Claim{}, false, err
	}
	if created {
		return c, true, nil
	}
	existing, err := r.LoadClaim(ctx, c.ID)
	return existing, false, err
}

const claimInsertColumns = `id,policy_number,claim_type,amount,incident_date,description,claimant_name,jurisdiction,status,
policy_check_json,evidence_json,decision_json,review_task_id,attempts,last_error,history_json,created_at,updated_at`

func claimArgs(c domain.Claim) ([]any, error) {
	policyCheck, err := marshalOptional(c.PolicyCheck)
	if err != nil {
		return nil, err
	}
	evidence, err := marshalOptional(c.Evidence)
	if err != nil {
		return nil, err
	}
	decision, err := marshalOptional(c.Decision)
	if err != nil {
		return nil, err
	}
	history := c.History
	if history == nil {
		history = []domain.Transition{}
	}
	historyJSON, err := marshalJSON(history)
	if err != nil {
		return nil, err
	}
	return []any{c.ID, c.PolicyNumber, c.ClaimType, c.Amount, c.IncidentDate, nullable(c.Description), nullable(c.ClaimantName),
		nullable(c.Jurisdiction), string(c.Status), policyCheck, evidence, decision, nullable(c.ReviewTaskID), c.Attempts,
		nullable(c.LastError), historyJSON, c.CreatedAt, c.UpdatedAt}, nil
}

// SaveClaim writes the full claim row. Status changes are recorded as
// claim.transition events and reaching a settled status with a decision
// records claim.decided.
func (r Repo) SaveClaim(ctx context.Context, c domain.Claim) error {
	if c.UpdatedAt == "" {
		c.UpdatedAt = r.now()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = c.UpdatedAt
	}
	args, err := claimArgs(c)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx, `SELECT status FROM claims WHERE id=?`, c.ID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO claims(`+claimInsertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET policy_number=excluded.policy_number,claim_type=excluded.claim_type,amount=excluded.amount,
incident_date=excluded.incident_date,description=excluded.description,claimant_name=excluded.claimant_name,jurisdiction=excluded.jurisdiction,
status=excluded.status,policy_check_json=excluded.policy_check_json,evidence_json=excluded.evidence_json,decision_json=excluded.decision_json,
review_task_id=excluded.review_task_id,attempts=excluded.attempts,last_error=excluded.last_error,history_json=excluded.history_json,
updated_at=excluded.updated_at`, args...)
		if err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
		if prev == string(c.Status) {
			return nil
		}
		if err := r.Events.Append(ctx, tx, events.ClaimTransition, "claim", c.ID, "", events.EventPayload{
			"from": prev,
			"to":   string(c.Status),
		}); err != nil {
			return err
		}
		if c.Decision == nil || !c.Status.Settled() || domain.ClaimStatus(prev).Settled() {
			return nil
		}
		return r.Events.Append(ctx, tx, events.ClaimDecided, "claim", c.ID, "", events.EventPayload{
			"status":         string(c.Status),
			"outcome":        string(c.Decision.Outcome),
			"confidence":     c.Decision.Confidence,
			"combined_risk":  c.Decision.CombinedRisk,
			"degraded_count": c.Decision.DegradedCount,
			"review_task_id": c.ReviewTaskID,
		})
	})
}

// LoadClaim loads a claim by id.
func (r Repo) LoadClaim(ctx context.Context, id string) (domain.Claim, error) {
	return scanClaim(r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id))
}

type ClaimFilters struct {
	Status       string
	PolicyNumber string
	Limit        int
}

// ListClaims returns claims newest first.
func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PolicyNumber != "" {
		clauses = append(clauses, "policy_number=?")
		args = append(args, f.PolicyNumber)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, claimColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListClaimIDsByStatus returns ids of claims in any of the given statuses,
// oldest first. Used to re-enqueue unfinished work on startup.
func (r Repo) ListClaimIDsByStatus(ctx context.Context, statuses ...domain.ClaimStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM claims WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

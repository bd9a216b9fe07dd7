package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"claimline/internal/domain"
	"claimline/internal/events"
)

const taskColumns = `id,claim_id,assigned_role,priority,status,due_at,COALESCE(regulatory_deadline,''),requirements_json,ai_snapshot_json,
COALESCE(resolution,''),COALESCE(closed_by,''),COALESCE(closed_at,''),created_at`

func scanTask(row rowScanner) (domain.ReviewTask, error) {
	var t domain.ReviewTask
	var role, priority, requirements, snapshot string
	err := row.Scan(&t.ID, &t.ClaimID, &role, &priority, &t.Status, &t.DueAt, &t.RegulatoryDeadline, &requirements,
		&snapshot, &t.Resolution, &t.ClosedBy, &t.ClosedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssignedRole = domain.ReviewRole(role)
	t.Priority = domain.Priority(priority)
	if t.RegulatoryRequirements, err = unmarshalStrings(requirements, "requirements"); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(snapshot), &t.AISnapshot); err != nil {
		return t, fmt.Errorf("decode ai_snapshot: %w", err)
	}
	return t, nil
}

// CreateReviewTask inserts a review task. A claim has at most one task; a
// second create for the same claim is a no-op.
func (r Repo) CreateReviewTask(ctx context.Context, t domain.ReviewTask) error {
	if t.ID == "" || t.ClaimID == "" {
		return errors.New("review task id and claim id required")
	}
	if t.Status == "" {
		t.Status = domain.TaskOpen
	}
	if t.CreatedAt == "" {
		t.CreatedAt = r.now()
	}
	requirements, err := marshalJSON(nonNil(t.RegulatoryRequirements))
	if err != nil {
		return err
	}
	snapshot, err := marshalJSON(t.AISnapshot)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO review_tasks(id,claim_id,assigned_role,priority,status,due_at,regulatory_deadline,requirements_json,ai_snapshot_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
			t.ID, t.ClaimID, string(t.AssignedRole), string(t.Priority), t.Status, t.DueAt, nullable(t.RegulatoryDeadline),
			requirements, snapshot, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert review task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return r.Events.Append(ctx, tx, events.ReviewTaskCreated, "review_task", t.ID, "", events.EventPayload{
			"claim_id":            t.ClaimID,
			"assigned_role":       string(t.AssignedRole),
			"priority":            string(t.Priority),
			"due_at":              t.DueAt,
			"regulatory_deadline": t.RegulatoryDeadline,
			"outcome":             string(t.AISnapshot.Outcome),
		})
	})
}

// GetReviewTask loads a review task by id.
func (r Repo) GetReviewTask(ctx context.Context, id string) (domain.ReviewTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id=?`, id))
}

// GetReviewTaskByClaim loads the review task created for a claim.
func (r Repo) GetReviewTaskByClaim(ctx context.Context, claimID string) (domain.ReviewTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE claim_id=?`, claimID))
}

type TaskFilters struct {
	Status string
	Role   string
	Limit  int
}

// ListReviewTasks returns tasks in queue order: most urgent first, then by due date.
func (r Repo) ListReviewTasks(ctx context.Context, f TaskFilters) ([]domain.ReviewTask, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "assigned_role=?")
		args = append(args, f.Role)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM review_tasks WHERE %s
ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, due_at ASC, id ASC LIMIT ?`,
		taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CloseReviewTask records a human decision: the task is closed and the claim
// moves to the final status in the same transaction.
func (r Repo) CloseReviewTask(ctx context.Context, taskID, actorID, resolution string, final domain.ClaimStatus) (domain.ReviewTask, error) {
	var closed domain.ReviewTask
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id=?`, taskID))
		if err != nil {
			return err
		}
		if t.Status == domain.TaskClosed {
			return ErrTaskClosed
		}
		c, err := scanClaim(tx.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, t.ClaimID))
		if err != nil {
			return fmt.Errorf("load claim %s: %w", t.ClaimID, err)
		}
		now := r.now()
		t.Status = domain.TaskClosed
		t.Resolution = resolution
		t.ClosedBy = actorID
		t.ClosedAt = now
		if _, err := tx.ExecContext(ctx, `UPDATE review_tasks SET status=?,resolution=?,closed_by=?,closed_at=? WHERE id=?`,
			t.Status, nullable(t.Resolution), t.ClosedBy, t.ClosedAt, t.ID); err != nil {
			return fmt.Errorf("close review task: %w", err)
		}
		c.History = append(c.History, domain.Transition{From: c.Status, To: final, At: now, Note: "human decision by " + actorID})
		history, err := marshalJSON(c.History)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE claims SET status=?,history_json=?,updated_at=? WHERE id=?`,
			string(final), history, now, c.ID); err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		if err := r.Events.Append(ctx, tx, events.ReviewTaskClosed, "review_task", t.ID, actorID, events.EventPayload{
			"claim_id":   t.ClaimID,
			"resolution": resolution,
			"status":     string(final),
		}); err != nil {
			return err
		}
		closed = t
		return r.Events.Append(ctx, tx, events.ClaimTransition, "claim", c.ID, actorID, events.EventPayload{
			"from": string(c.Status),
			"to":   string(final),
		})
	})
	return closed, err
}

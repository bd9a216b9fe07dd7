package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"claimline/internal/domain"
	"claimline/internal/events"
)

const policyColumns = `number,COALESCE(holder_name,''),status,effective_date,expiration_date,coverage_limit,deductible,covered_perils_json,exclusions_json,previous_claims,COALESCE(premium_status,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (domain.Policy, error) {
	var p domain.Policy
	var perils, exclusions string
	err := row.Scan(&p.Number, &p.HolderName, &p.Status, &p.EffectiveDate, &p.ExpirationDate,
		&p.CoverageLimit, &p.Deductible, &perils, &exclusions, &p.PreviousClaims, &p.PremiumStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.CoveredPerils, err = unmarshalStrings(perils, "covered_perils"); err != nil {
		return p, err
	}
	if p.Exclusions, err = unmarshalStrings(exclusions, "exclusions"); err != nil {
		return p, err
	}
	return p, nil
}

// GetPolicy loads a policy by number.
func (r Repo) GetPolicy(ctx context.Context, number string) (domain.Policy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE number=?`, number))
}

// UpsertPolicy inserts or replaces a policy and records a policy.upserted event.
func (r Repo) UpsertPolicy(ctx context.Context, p domain.Policy, actorID string) error {
	if p.Number == "" {
		return errors.New("policy number required")
	}
	perils, err := marshalJSON(nonNil(p.CoveredPerils))
	if err != nil {
		return err
	}
	exclusions, err := marshalJSON(nonNil(p.Exclusions))
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO policies(number,holder_name,status,effective_date,expiration_date,coverage_limit,deductible,covered_perils_json,exclusions_json,previous_claims,premium_status,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(number) DO UPDATE SET holder_name=excluded.holder_name,status=excluded.status,effective_date=excluded.effective_date,
expiration_date=excluded.expiration_date,coverage_limit=excluded.coverage_limit,deductible=excluded.deductible,
covered_perils_json=excluded.covered_perils_json,exclusions_json=excluded.exclusions_json,previous_claims=excluded.previous_claims,
premium_status=excluded.premium_status,updated_at=excluded.updated_at`,
			p.Number, nullable(p.HolderName), p.Status, p.EffectiveDate, p.ExpirationDate, p.CoverageLimit, p.Deductible,
			perils, exclusions, p.PreviousClaims, nullable(p.PremiumStatus), r.now())
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		return r.Events.Append(ctx, tx, events.PolicyUpserted, "policy", p.Number, actorID, events.EventPayload{
			"status":         p.Status,
			"coverage_limit": p.CoverageLimit,
		})
	})
}

// ListPolicies returns policies ordered by number.
func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

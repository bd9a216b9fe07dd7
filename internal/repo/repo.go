package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"claimline/internal/domain"
	"claimline/internal/events"
)

// Repo is the SQLite-backed claim store and human-review workflow.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = domain.ErrNotFound
	// ErrTaskClosed is returned when a review task has already been decided.
	ErrTaskClosed = errors.New("review task already closed")
)

// New returns a Repo whose audit events share its clock.
func New(db *sql.DB, now func() time.Time) Repo {
	if now == nil {
		now = time.Now
	}
	return Repo{DB: db, Events: events.Writer{Now: now}, Now: now}
}

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return r.Now().UTC().Format(time.RFC3339Nano)
}

// withTx runs fn inside a transaction and commits when fn succeeds.
func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalOptional stores nil pointers as SQL NULL.
func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, err := marshalJSON(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalOptional[T any](col sql.NullString, field string) (*T, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return &v, nil
}

func unmarshalStrings(col string, field string) ([]string, error) {
	if col == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(col), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

// Package behavior persists per-user guidance rules the assistant has learned
// ("always show power deltas", "never suggest selling ships"), with a
// Beta-Binomial confidence model: each observation of the rule holding or not
// updates the posterior, so noisy one-off corrections stay low-confidence.
package behavior

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Guffawaffle/majel/pkg/database"
)

// Priors: a fresh rule starts at 2/(2+5) ≈ 0.29 confidence, so it takes a few
// confirming observations before the rule is trusted enough to surface.
const (
	PriorAlpha = 2.0
	PriorBeta  = 5.0
)

// Severity grades how binding a rule is.
type Severity string

const (
	SeverityMust   Severity = "must"
	SeverityShould Severity = "should"
	SeverityStyle  Severity = "style"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityMust, SeverityShould, SeverityStyle:
		return true
	}
	return false
}

// Rule is one learned behavior with its posterior.
type Rule struct {
	ID               string    `json:"id"`
	RuleText         string    `json:"ruleText"`
	TaskType         *string   `json:"taskType,omitempty"`
	Alpha            float64   `json:"alpha"`
	Beta             float64   `json:"beta"`
	ObservationCount int       `json:"observationCount"`
	Severity         Severity  `json:"severity"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Confidence is the posterior mean alpha/(alpha+beta).
func (r *Rule) Confidence() float64 {
	return r.Alpha / (r.Alpha + r.Beta)
}

var ErrNotFound = errors.New("behavior: rule not found")

// Store persists rules under the row policy.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a rule at the priors.
func (s *Store) Create(ctx context.Context, userID, ruleText string, taskType *string, severity Severity) (*Rule, error) {
	if ruleText == "" {
		return nil, fmt.Errorf("behavior: rule text required")
	}
	if severity == "" {
		severity = SeverityShould
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("behavior: unknown severity %q", severity)
	}

	rule := &Rule{
		ID:        uuid.NewString(),
		RuleText:  ruleText,
		TaskType:  taskType,
		Alpha:     PriorAlpha,
		Beta:      PriorBeta,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO behavior_rules
				(user_id, id, rule_text, task_type, alpha, beta, observation_count, severity, created_at)
			VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4, $5, 0, $6, $7)`,
			rule.ID, rule.RuleText, rule.TaskType, rule.Alpha, rule.Beta,
			string(rule.Severity), rule.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("behavior: create: %w", err)
	}
	return rule, nil
}

// Observe updates the posterior with one observation: a hit bumps alpha, a
// miss bumps beta.
func (s *Store) Observe(ctx context.Context, userID, id string, hit bool) (*Rule, error) {
	var rule *Rule
	err := s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		column := "beta"
		if hit {
			column = "alpha"
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE behavior_rules
			SET `+column+` = `+column+` + 1, observation_count = observation_count + 1
			WHERE id = $1
			RETURNING id, rule_text, task_type, alpha, beta, observation_count, severity, created_at`, id)
		r, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Get loads one rule.
func (s *Store) Get(ctx context.Context, userID, id string) (*Rule, error) {
	var rule *Rule
	err := s.db.WithUserRead(ctx, userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, rule_text, task_type, alpha, beta, observation_count, severity, created_at
			FROM behavior_rules WHERE id = $1`, id)
		r, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns the user's rules, most confident first, optionally filtered by
// task type and floor confidence.
func (s *Store) List(ctx context.Context, userID string, taskType *string, minConfidence float64) ([]*Rule, error) {
	var rules []*Rule
	err := s.db.WithUserRead(ctx, userID, func(tx *sql.Tx) error {
		query := `
			SELECT id, rule_text, task_type, alpha, beta, observation_count, severity, created_at
			FROM behavior_rules`
		args := []any{}
		if taskType != nil {
			query += ` WHERE (task_type IS NULL OR task_type = $1)`
			args = append(args, *taskType)
		}
		query += ` ORDER BY alpha / (alpha + beta) DESC, created_at`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			if r.Confidence() >= minConfidence {
				rules = append(rules, r)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("behavior: list: %w", err)
	}
	return rules, nil
}

// Delete removes one rule.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	return s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM behavior_rules WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var severity string
	err := row.Scan(&r.ID, &r.RuleText, &r.TaskType, &r.Alpha, &r.Beta,
		&r.ObservationCount, &severity, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Severity = Severity(severity)
	return &r, nil
}

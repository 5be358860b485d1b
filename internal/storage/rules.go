package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const ruleColumns = `id, name, priority, action, logic, conditions, enabled,
	 triggered_count, success_count, last_triggered, created_at, updated_at`

// CreateRule inserts a new triage rule. The rule is validated before it is
// persisted so a malformed condition can never reach the engine.
func (db *DB) CreateRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if err := rule.Validate(); err != nil {
		return model.Rule{}, fmt.Errorf("storage: %w", err)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	condJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return model.Rule{}, fmt.Errorf("storage: marshal rule conditions: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO rules (id, name, priority, action, logic, conditions, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		rule.ID, rule.Name, rule.Priority, string(rule.Action), string(rule.Logic), condJSON, rule.Enabled, now,
	)
	if err != nil {
		if isUniqueViolation(err, "rules_name_key") {
			return model.Rule{}, fmt.Errorf("storage: rule name %q taken: %w", rule.Name, model.ErrValidation)
		}
		return model.Rule{}, fmt.Errorf("storage: create rule: %w", err)
	}
	return rule, nil
}

// UpdateRule replaces the mutable fields of a rule.
func (db *DB) UpdateRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if err := rule.Validate(); err != nil {
		return model.Rule{}, fmt.Errorf("storage: %w", err)
	}
	condJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return model.Rule{}, fmt.Errorf("storage: marshal rule conditions: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE rules SET name = $1, priority = $2, action = $3, logic = $4, conditions = $5, enabled = $6, updated_at = $7
		 WHERE id = $8
		 RETURNING `+ruleColumns,
		rule.Name, rule.Priority, string(rule.Action), string(rule.Logic), condJSON, rule.Enabled, time.Now().UTC(), rule.ID,
	)
	updated, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("storage: rule %s: %w", rule.ID, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("storage: update rule: %w", err)
	}
	return updated, nil
}

// GetRule retrieves a rule by ID.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (db *DB) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRules returns all rules ordered the way the engine evaluates them:
// priority descending, then name ascending.
func (db *DB) ListRules(ctx context.Context, enabledOnly bool) ([]model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	var ruleSet []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		ruleSet = append(ruleSet, rule)
	}
	return ruleSet, rows.Err()
}

// TouchRuleTriggered bumps the trigger counter and timestamp for a rule that
// just matched a proposal.
func (db *DB) TouchRuleTriggered(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rules SET triggered_count = triggered_count + 1, last_triggered = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch rule: %w", err)
	}
	return nil
}

// RecordRuleOutcome bumps success_count when a human review later confirmed
// the rule's verdict. triggered_count and success_count together give the
// rule's observed precision.
func (db *DB) RecordRuleOutcome(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rules SET success_count = success_count + 1 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: record rule outcome: %w", err)
	}
	return nil
}

func scanRule(row pgx.Row) (model.Rule, error) {
	var (
		rule          model.Rule
		action, logic string
		condJSON      []byte
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Priority, &action, &logic, &condJSON, &rule.Enabled,
		&rule.TriggeredCount, &rule.SuccessCount, &rule.LastTriggered, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return model.Rule{}, err
	}
	rule.Action = model.RuleAction(action)
	rule.Logic = model.LogicOperator(logic)
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &rule.Conditions); err != nil {
			return model.Rule{}, fmt.Errorf("unmarshal rule conditions: %w", err)
		}
	}
	return rule, nil
}

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuleAction is what a matching rule does to a pending proposal.
type RuleAction string

const (
	RuleActionApprove RuleAction = "approve"
	RuleActionReject  RuleAction = "reject"
	RuleActionNotify  RuleAction = "notify"
)

// LogicOperator combines a rule's conditions.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ConditionOperator compares an extracted field value against a literal.
type ConditionOperator string

const (
	OpGte        ConditionOperator = "gte"
	OpLte        ConditionOperator = "lte"
	OpGt         ConditionOperator = "gt"
	OpLt         ConditionOperator = "lt"
	OpEq         ConditionOperator = "eq"
	OpNeq        ConditionOperator = "neq"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "starts_with"
	OpEndsWith   ConditionOperator = "ends_with"
)

var validOperators = map[ConditionOperator]bool{
	OpGte: true, OpLte: true, OpGt: true, OpLt: true,
	OpEq: true, OpNeq: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
}

// Condition is one declarative predicate: a dot-notation field path, an
// operator, and a literal value. Conditions are data, never code.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// Rule auto-triages pending proposals. Rules are evaluated in order of
// (priority desc, name asc); the first full match wins.
type Rule struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	Priority   int           `json:"priority"`
	Action     RuleAction    `json:"action"`
	Logic      LogicOperator `json:"logic"`
	Conditions []Condition   `json:"conditions"`
	Enabled    bool          `json:"enabled"`

	TriggeredCount int        `json:"triggered_count"`
	SuccessCount   int        `json:"success_count"`
	LastTriggered  *time.Time `json:"last_triggered,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects malformed rules before they are persisted. A failing rule
// returns an error wrapping ErrValidation and is never written.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	switch r.Action {
	case RuleActionApprove, RuleActionReject, RuleActionNotify:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, r.Action)
	}
	switch r.Logic {
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%w: unknown logic operator %q", ErrValidation, r.Logic)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: rule %q has no conditions", ErrValidation, r.Name)
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: rule %q condition %d: field path is required", ErrValidation, r.Name, i)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("%w: rule %q condition %d: unknown operator %q", ErrValidation, r.Name, i, c.Operator)
		}
		if c.Value == nil {
			return fmt.Errorf("%w: rule %q condition %d: value is required", ErrValidation, r.Name, i)
		}
	}
	return nil
}

// Package rules evaluates declarative triage rules against flat or nested
// attribute records. The evaluator is pure: it never mutates rules or
// records, so callers need no locking. Persisting trigger statistics is the
// caller's job.
package rules

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// Decision is the outcome of one evaluation pass.
type Decision struct {
	Matched  bool
	Action   model.RuleAction
	RuleID   uuid.UUID
	RuleName string
}

// Evaluate runs the enabled rules against the record in (priority desc,
// name asc) order and returns the first full match. Evaluation stops at the
// first match; if nothing matches, Decision.Matched is false and the item
// stays pending for manual review.
func Evaluate(record map[string]any, ruleSet []model.Rule) Decision {
	for _, r := range Order(ruleSet) {
		if !r.Enabled {
			continue
		}
		if matches(record, r) {
			return Decision{Matched: true, Action: r.Action, RuleID: r.ID, RuleName: r.Name}
		}
	}
	return Decision{}
}

// Order returns a sorted copy of the rules in evaluation order:
// priority descending, name ascending as the tiebreak.
func Order(ruleSet []model.Rule) []model.Rule {
	ordered := make([]model.Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})
	return ordered
}

func matches(record map[string]any, r model.Rule) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		ok := evalCondition(record, c)
		if r.Logic == model.LogicOr && ok {
			return true
		}
		if r.Logic != model.LogicOr && !ok {
			return false
		}
	}
	// AND: every condition held. OR: none did.
	return r.Logic != model.LogicOr
}

func evalCondition(record map[string]any, c model.Condition) bool {
	value, found := Lookup(record, c.Field)
	if !found || value == nil {
		// A missing path fails every operator except neq.
		return c.Operator == model.OpNeq
	}

	switch c.Operator {
	case model.OpEq:
		return equal(value, c.Value)
	case model.OpNeq:
		return !equal(value, c.Value)
	case model.OpGte, model.OpLte, model.OpGt, model.OpLt:
		return ordered(value, c.Operator, c.Value)
	case model.OpContains, model.OpStartsWith, model.OpEndsWith:
		return stringMatch(value, c.Operator, c.Value)
	default:
		return false
	}
}

// Lookup walks a dot-notation path into nested map[string]any records.
// It returns the value and whether the full path resolved.
func Lookup(record map[string]any, path string) (any, bool) {
	current := any(record)
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return false
}

// ordered compares numerically when both sides are numeric, falling back to
// lexicographic comparison for string pairs. Mismatched types fail.
func ordered(value any, op model.ConditionOperator, literal any) bool {
	if vf, vok := toFloat(value); vok {
		lf, lok := toFloat(literal)
		if !lok {
			return false
		}
		switch op {
		case model.OpGte:
			return vf >= lf
		case model.OpLte:
			return vf <= lf
		case model.OpGt:
			return vf > lf
		case model.OpLt:
			return vf < lf
		}
		return false
	}

	vs, vok := value.(string)
	ls, lok := literal.(string)
	if !vok || !lok {
		return false
	}
	switch op {
	case model.OpGte:
		return vs >= ls
	case model.OpLte:
		return vs <= ls
	case model.OpGt:
		return vs > ls
	case model.OpLt:
		return vs < ls
	}
	return false
}

func stringMatch(value any, op model.ConditionOperator, literal any) bool {
	vs, vok := value.(string)
	ls, lok := literal.(string)
	if !vok || !lok {
		return false
	}
	vs, ls = strings.ToLower(vs), strings.ToLower(ls)
	switch op {
	case model.OpContains:
		return strings.Contains(vs, ls)
	case model.OpStartsWith:
		return strings.HasPrefix(vs, ls)
	case model.OpEndsWith:
		return strings.HasSuffix(vs, ls)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

package rules

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func rule(name string, priority int, action model.RuleAction, logic model.LogicOperator, conds ...model.Condition) model.Rule {
	return model.Rule{
		ID:         uuid.New(),
		Name:       name,
		Priority:   priority,
		Action:     action,
		Logic:      logic,
		Conditions: conds,
		Enabled:    true,
	}
}

func cond(field string, op model.ConditionOperator, value any) model.Condition {
	return model.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_HighConfidenceApprove(t *testing.T) {
	r := rule("auto-approve-high-confidence", 90, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.9))

	d := Evaluate(map[string]any{"confidence": 0.95}, []model.Rule{r})

	require.True(t, d.Matched)
	assert.Equal(t, model.RuleActionApprove, d.Action)
	assert.Equal(t, r.ID, d.RuleID)
}

func TestEvaluate_PriorityWins(t *testing.T) {
	lower := rule("reject-everything", 10, model.RuleActionReject, model.LogicAnd,
		cond("confidence", model.OpGte, 0.0))
	higher := rule("approve-everything", 90, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.0))

	// Declaration order must not matter.
	d := Evaluate(map[string]any{"confidence": 0.5}, []model.Rule{lower, higher})

	require.True(t, d.Matched)
	assert.Equal(t, model.RuleActionApprove, d.Action)
	assert.Equal(t, "approve-everything", d.RuleName)
}

func TestEvaluate_EqualPriorityBreaksTiesByName(t *testing.T) {
	b := rule("b-rule", 50, model.RuleActionReject, model.LogicAnd,
		cond("confidence", model.OpGte, 0.0))
	a := rule("a-rule", 50, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.0))

	d := Evaluate(map[string]any{"confidence": 0.5}, []model.Rule{b, a})

	require.True(t, d.Matched)
	assert.Equal(t, "a-rule", d.RuleName)
}

func TestEvaluate_DisabledRulesSkipped(t *testing.T) {
	r := rule("disabled", 90, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.0))
	r.Enabled = false

	d := Evaluate(map[string]any{"confidence": 0.99}, []model.Rule{r})

	assert.False(t, d.Matched)
}

func TestEvaluate_NoMatchLeavesPending(t *testing.T) {
	r := rule("strict", 90, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.9))

	d := Evaluate(map[string]any{"confidence": 0.5}, []model.Rule{r})

	assert.False(t, d.Matched)
	assert.Equal(t, uuid.Nil, d.RuleID)
}

func TestEvaluate_AndRequiresAll(t *testing.T) {
	r := rule("both", 50, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.8),
		cond("kind", model.OpEq, "topic"))

	assert.True(t, Evaluate(map[string]any{"confidence": 0.85, "kind": "topic"}, []model.Rule{r}).Matched)
	assert.False(t, Evaluate(map[string]any{"confidence": 0.85, "kind": "task"}, []model.Rule{r}).Matched)
}

func TestEvaluate_OrRequiresAny(t *testing.T) {
	r := rule("either", 50, model.RuleActionReject, model.LogicOr,
		cond("confidence", model.OpLt, 0.3),
		cond("kind", model.OpEq, "task"))

	assert.True(t, Evaluate(map[string]any{"confidence": 0.9, "kind": "task"}, []model.Rule{r}).Matched)
	assert.True(t, Evaluate(map[string]any{"confidence": 0.1, "kind": "topic"}, []model.Rule{r}).Matched)
	assert.False(t, Evaluate(map[string]any{"confidence": 0.9, "kind": "topic"}, []model.Rule{r}).Matched)
}

func TestEvaluate_DotPathTraversal(t *testing.T) {
	record := map[string]any{
		"confidence": 0.8,
		"topic":      map[string]any{"name": "Deployment Issues"},
	}
	r := rule("topic-name", 50, model.RuleActionNotify, model.LogicAnd,
		cond("topic.name", model.OpStartsWith, "deploy"))

	d := Evaluate(record, []model.Rule{r})

	require.True(t, d.Matched)
	assert.Equal(t, model.RuleActionNotify, d.Action)
}

func TestEvaluate_MissingPathFailsAllButNeq(t *testing.T) {
	record := map[string]any{"confidence": 0.8}

	for _, op := range []model.ConditionOperator{
		model.OpGte, model.OpLte, model.OpGt, model.OpLt, model.OpEq,
		model.OpContains, model.OpStartsWith, model.OpEndsWith,
	} {
		r := rule("missing-"+string(op), 50, model.RuleActionApprove, model.LogicAnd,
			cond("topic.name", op, "anything"))
		assert.False(t, Evaluate(record, []model.Rule{r}).Matched, "operator %s should fail on missing path", op)
	}

	neq := rule("missing-neq", 50, model.RuleActionApprove, model.LogicAnd,
		cond("topic.name", model.OpNeq, "anything"))
	assert.True(t, Evaluate(record, []model.Rule{neq}).Matched, "neq should succeed on missing path")
}

func TestEvaluate_StringOperatorsCaseInsensitive(t *testing.T) {
	record := map[string]any{"title": "Fix The Login Bug"}

	tests := []struct {
		op    model.ConditionOperator
		value string
		want  bool
	}{
		{model.OpContains, "LOGIN", true},
		{model.OpContains, "logout", false},
		{model.OpStartsWith, "fix", true},
		{model.OpStartsWith, "bug", false},
		{model.OpEndsWith, "BUG", true},
		{model.OpEndsWith, "fix", false},
	}
	for _, tt := range tests {
		r := rule(string(tt.op), 50, model.RuleActionApprove, model.LogicAnd,
			cond("title", tt.op, tt.value))
		assert.Equal(t, tt.want, Evaluate(record, []model.Rule{r}).Matched,
			"%s %q", tt.op, tt.value)
	}
}

func TestEvaluate_NumericCoercion(t *testing.T) {
	// Values arrive as float32 from confidence scores and as int from
	// counters; literals arrive as float64 or int from JSON-decoded rules.
	r := rule("coerce", 50, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.7),
		cond("message_count", model.OpGt, 2))

	record := map[string]any{
		"confidence":    float32(0.75),
		"message_count": int64(3),
	}
	assert.True(t, Evaluate(record, []model.Rule{r}).Matched)
}

func TestEvaluate_TypeMismatchFails(t *testing.T) {
	r := rule("mismatch", 50, model.RuleActionApprove, model.LogicAnd,
		cond("title", model.OpGte, 5))

	assert.False(t, Evaluate(map[string]any{"title": "abc"}, []model.Rule{r}).Matched)
}

func TestLookup(t *testing.T) {
	record := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}},
	}

	v, ok := Lookup(record, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(record, "a.b.missing")
	assert.False(t, ok)

	// Traversing through a leaf fails rather than panics.
	_, ok = Lookup(record, "a.b.c.d")
	assert.False(t, ok)
}

func TestRuleValidate(t *testing.T) {
	valid := rule("ok", 50, model.RuleActionApprove, model.LogicAnd,
		cond("confidence", model.OpGte, 0.5))
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*model.Rule)
	}{
		{"empty name", func(r *model.Rule) { r.Name = "  " }},
		{"bad action", func(r *model.Rule) { r.Action = "escalate" }},
		{"bad logic", func(r *model.Rule) { r.Logic = "XOR" }},
		{"no conditions", func(r *model.Rule) { r.Conditions = nil }},
		{"empty field", func(r *model.Rule) { r.Conditions[0].Field = "" }},
		{"bad operator", func(r *model.Rule) { r.Conditions[0].Operator = "matches" }},
		{"nil value", func(r *model.Rule) { r.Conditions[0].Value = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("ok", 50, model.RuleActionApprove, model.LogicAnd,
				cond("confidence", model.OpGte, 0.5))
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

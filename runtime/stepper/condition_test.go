package stepper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateCondition_Operators(t *testing.T) {
	input := json.RawMessage(`{"order":{"total":42,"tags":["rush","gift"]},"note":"hello world"}`)

	cases := []struct {
		name string
		cfg  ConditionConfig
		want bool
	}{
		{"exists true", ConditionConfig{Path: "order.total", Op: OpExists}, true},
		{"exists true, dollar-dot root", ConditionConfig{Path: "$.order.total", Op: OpExists}, true},
		{"exists true, bare dollar root", ConditionConfig{Path: "$order.total", Op: OpExists}, true},
		{"exists false", ConditionConfig{Path: "order.missing", Op: OpExists}, false},
		{"eq match", ConditionConfig{Path: "order.total", Op: OpEq, Value: json.RawMessage(`42`)}, true},
		{"eq mismatch", ConditionConfig{Path: "order.total", Op: OpEq, Value: json.RawMessage(`7`)}, false},
		{"neq", ConditionConfig{Path: "order.total", Op: OpNeq, Value: json.RawMessage(`7`)}, true},
		{"contains array", ConditionConfig{Path: "order.tags", Op: OpContains, Value: json.RawMessage(`"gift"`)}, true},
		{"contains string", ConditionConfig{Path: "note", Op: OpContains, Value: json.RawMessage(`"world"`)}, true},
		{"gt true", ConditionConfig{Path: "order.total", Op: OpGT, Value: json.RawMessage(`10`)}, true},
		{"gte equal", ConditionConfig{Path: "order.total", Op: OpGTE, Value: json.RawMessage(`42`)}, true},
		{"lt false", ConditionConfig{Path: "order.total", Op: OpLT, Value: json.RawMessage(`10`)}, false},
		{"lte false", ConditionConfig{Path: "order.total", Op: OpLTE, Value: json.RawMessage(`10`)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateCondition(input, tc.cfg)
			assert.Equal(t, tc.want, got.Result)
		})
	}
}

func TestEvaluateCondition_AbsentAndNonCoercibleResolveFalseWithoutError(t *testing.T) {
	input := json.RawMessage(`{"order":{"total":"not-a-number"}}`)

	assert.False(t, EvaluateCondition(input, ConditionConfig{Path: "missing.path", Op: OpGT, Value: json.RawMessage(`1`)}).Result)
	assert.False(t, EvaluateCondition(input, ConditionConfig{Path: "order.total", Op: OpGT, Value: json.RawMessage(`1`)}).Result)
	assert.False(t, EvaluateCondition(json.RawMessage(`not json`), ConditionConfig{Path: "x", Op: OpExists}).Result)
}

func TestEvaluateCondition_DollarRootPrefixStrippedBeforeSplit(t *testing.T) {
	// spec scenario 6: cond(path="$.x", op="exists") against input={x:1}
	// must resolve true so A runs and B is pruned with CONDITION_NOT_MET.
	input := json.RawMessage(`{"x":1}`)
	got := EvaluateCondition(input, ConditionConfig{Path: "$.x", Op: OpExists})
	assert.True(t, got.Result)
}

func TestGetByPath_ArrayIndexTraversal(t *testing.T) {
	input := json.RawMessage(`{"items":[{"sku":"a"},{"sku":"b"}]}`)
	v, ok := getByPath(input, "items.1.sku")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = getByPath(input, "items.5.sku")
	assert.False(t, ok)
}

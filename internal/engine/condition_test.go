package engine

import "testing"

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	ce, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := ce.Evaluate("", nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected empty expression to be vacuously true")
	}
}

func TestEvaluateAgainstContextAndResults(t *testing.T) {
	ce, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contextValues := map[string]any{"risk_level": "high"}
	results := map[string]any{
		"security-review": map[string]any{"approved": true, "findings": 2},
	}
	workflow := map[string]any{"id": "wf-1"}

	cases := []struct {
		expression string
		want       bool
	}{
		{`context.risk_level == "high"`, true},
		{`context.risk_level == "low"`, false},
		{`results["security-review"].approved`, true},
		{`results["security-review"].findings > 5`, false},
		{`workflow.id == "wf-1" && context.risk_level in ["high", "critical"]`, true},
	}
	for _, tc := range cases {
		got, err := ce.Evaluate(tc.expression, contextValues, results, workflow)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.expression, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.expression, tc.want, got)
		}
	}
}

func TestEvaluateRejectsNonBooleanExpression(t *testing.T) {
	ce, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ce.Evaluate(`"just a string"`, nil, nil, nil); err == nil {
		t.Error("expected non-boolean expression to be rejected")
	}
}

func TestValidateCatchesCompileErrors(t *testing.T) {
	ce, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ce.Validate(`context.x ==`); err == nil {
		t.Error("expected compile error for malformed expression")
	}
	if err := ce.Validate(`context.x == 1`); err != nil {
		t.Errorf("unexpected error for valid expression: %v", err)
	}
}

func TestCompiledProgramsAreCached(t *testing.T) {
	ce, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expr := `context.x == 1`
	if _, err := ce.Evaluate(expr, map[string]any{"x": 1}, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found := ce.programCache.Load(expr); !found {
		t.Error("expected compiled program to be cached")
	}
	if ce.cacheSize != 1 {
		t.Errorf("expected cache size 1, got %d", ce.cacheSize)
	}

	// Re-evaluating does not grow the cache.
	if _, err := ce.Evaluate(expr, map[string]any{"x": 2}, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ce.cacheSize != 1 {
		t.Errorf("expected cache size to stay 1, got %d", ce.cacheSize)
	}
}

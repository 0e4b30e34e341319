package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// compiledCondition is a cached, compiled CEL program.
type compiledCondition struct {
	program cel.Program
	ast     *cel.Ast
}

// ConditionEvaluator compiles and evaluates CEL predicates that gate
// conditional workflow steps. Compiled programs are cached per expression.
type ConditionEvaluator struct {
	celEnv       *cel.Env
	programCache sync.Map
	cacheLimit   int
	cacheSize    int64
	cacheMutex   sync.Mutex
}

// NewConditionEvaluator creates a condition evaluator. Expressions see the
// session context, the results of completed steps, and workflow metadata.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("results", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("workflow", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %v", err)
	}

	return &ConditionEvaluator{
		celEnv:     env,
		cacheLimit: 1000,
	}, nil
}

// Evaluate runs a predicate against the given workflow state. An empty
// expression is vacuously true.
func (ce *ConditionEvaluator) Evaluate(expression string, contextValues, results, workflow map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := ce.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	if contextValues == nil {
		contextValues = map[string]any{}
	}
	if results == nil {
		results = map[string]any{}
	}
	if workflow == nil {
		workflow = map[string]any{}
	}

	result, _, err := program.Eval(map[string]any{
		"context":  contextValues,
		"results":  results,
		"workflow": workflow,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %v", err)
	}
	if result.Type() != types.BoolType {
		return false, fmt.Errorf("CEL expression must return boolean, got %v", result.Type())
	}
	return result.Value().(bool), nil
}

// Validate compiles an expression without evaluating it, for upfront
// workflow validation.
func (ce *ConditionEvaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := ce.getOrCompile(expression)
	return err
}

// getOrCompile retrieves a compiled program from cache or compiles and
// caches it.
func (ce *ConditionEvaluator) getOrCompile(expression string) (cel.Program, error) {
	if cached, found := ce.programCache.Load(expression); found {
		if compiled, ok := cached.(*compiledCondition); ok {
			return compiled.program, nil
		}
	}

	ast, issues := ce.celEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %v", issues.Err())
	}
	program, err := ce.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %v", err)
	}

	ce.cacheMutex.Lock()
	defer ce.cacheMutex.Unlock()

	// Another goroutine may have compiled it while we waited for the lock.
	if cached, found := ce.programCache.Load(expression); found {
		if compiled, ok := cached.(*compiledCondition); ok {
			return compiled.program, nil
		}
	}

	if ce.cacheSize >= int64(ce.cacheLimit) {
		ce.programCache.Range(func(key, value any) bool {
			ce.programCache.Delete(key)
			return true
		})
		ce.cacheSize = 0
	}
	ce.programCache.Store(expression, &compiledCondition{program: program, ast: ast})
	ce.cacheSize++

	return program, nil
}

package engine

import (
	"fmt"
	"time"

	"github.com/concordlabs/concord/internal/graph"
)

// WorkflowStrategy selects how a workflow's steps are scheduled.
type WorkflowStrategy string

const (
	StrategySequential  WorkflowStrategy = "sequential"
	StrategyParallel    WorkflowStrategy = "parallel"
	StrategyConditional WorkflowStrategy = "conditional"
	StrategyHybrid      WorkflowStrategy = "hybrid"
)

// StepType identifies the kind of work a step performs. Each type dispatches
// to a matching component; custom steps call their assigned participant.
type StepType string

const (
	StepConversationInit     StepType = "conversation-init"
	StepContextSync          StepType = "context-sync"
	StepConflictResolution   StepType = "conflict-resolution"
	StepConsensusBuilding    StepType = "consensus-building"
	StepDecisionFinalization StepType = "decision-finalization"
	StepCustom               StepType = "custom"
)

// RetryPolicy controls how failed steps are retried.
type RetryPolicy string

const (
	RetryNone        RetryPolicy = "none"
	RetryPerStep     RetryPolicy = "per-step"
	RetryPerWorkflow RetryPolicy = "per-workflow"
	RetryAdaptive    RetryPolicy = "adaptive"
)

// ErrorPolicy controls what an execution does when a step fails.
type ErrorPolicy string

const (
	ErrorFailFast ErrorPolicy = "fail-fast"
	ErrorContinue ErrorPolicy = "continue-on-error"
	ErrorRollback ErrorPolicy = "rollback"
	ErrorEscalate ErrorPolicy = "escalate"
)

// WorkflowStep is one unit of work in a workflow definition.
type WorkflowStep struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Type        StepType       `yaml:"type" json:"type"`
	Participant string         `yaml:"participant,omitempty" json:"participant,omitempty"`
	DependsOn   []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition   string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Args        map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// WorkflowDefinition is a complete workflow: a DAG of steps plus scheduling
// and failure policy.
type WorkflowDefinition struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Strategy    WorkflowStrategy `yaml:"strategy" json:"strategy"`
	Steps       []WorkflowStep   `yaml:"steps" json:"steps"`
	ErrorPolicy ErrorPolicy      `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
	RetryPolicy RetryPolicy      `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	Timeout     time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

var validStepTypes = map[StepType]bool{
	StepConversationInit:     true,
	StepContextSync:          true,
	StepConflictResolution:   true,
	StepConsensusBuilding:    true,
	StepDecisionFinalization: true,
	StepCustom:               true,
}

// Validate checks the definition: unique step ids, known step types, an
// acyclic dependency graph with no dangling references, and compilable
// conditions. Conditions evaluator may be nil to skip condition compilation.
func (def *WorkflowDefinition) Validate(conditions *ConditionEvaluator) error {
	if def.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", def.ID)
	}
	switch def.Strategy {
	case StrategySequential, StrategyParallel, StrategyConditional, StrategyHybrid, "":
	default:
		return fmt.Errorf("workflow %s: unknown strategy %q", def.ID, def.Strategy)
	}

	g := graph.New()
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s: step with empty id", def.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", def.ID, step.ID)
		}
		seen[step.ID] = true
		if !validStepTypes[step.Type] {
			return fmt.Errorf("workflow %s: step %s has unknown type %q", def.ID, step.ID, step.Type)
		}
		if step.Type == StepCustom && step.Participant == "" {
			return fmt.Errorf("workflow %s: custom step %s needs a participant", def.ID, step.ID)
		}
		if step.Condition != "" && conditions != nil {
			if err := conditions.Validate(step.Condition); err != nil {
				return fmt.Errorf("workflow %s: step %s condition: %v", def.ID, step.ID, err)
			}
		}
		g.AddStep(step.ID, step.DependsOn)
	}

	return g.Validate()
}

// order returns step ids in the order the strategy schedules them:
// topological order for sequential/conditional, dependency waves for
// parallel/hybrid.
func (def *WorkflowDefinition) order() ([][]string, error) {
	g := graph.New()
	for _, step := range def.Steps {
		g.AddStep(step.ID, step.DependsOn)
	}

	switch def.Strategy {
	case StrategyParallel, StrategyHybrid:
		return g.Waves()
	default:
		sorted, err := g.TopologicalOrder()
		if err != nil {
			return nil, err
		}
		waves := make([][]string, len(sorted))
		for i, id := range sorted {
			waves[i] = []string{id}
		}
		return waves, nil
	}
}

// step returns the step with the given id.
func (def *WorkflowDefinition) step(id string) (WorkflowStep, bool) {
	for _, s := range def.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

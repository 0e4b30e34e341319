package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	coorderrors "github.com/concordlabs/concord/internal/errors"
	"github.com/concordlabs/concord/internal/interfaces"
)

// ExecutionStatus is the lifecycle state of one workflow execution.
type ExecutionStatus string

const (
	ExecutionInitializing ExecutionStatus = "initializing"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionPaused       ExecutionStatus = "paused"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionCancelled    ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the per-step state within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Participant string     `json:"participant,omitempty"`
	Attempts    int        `json:"attempts"`
	Value       any        `json:"value,omitempty"`
	Error       string     `json:"error,omitempty"`
	Retried     bool       `json:"retried"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

// StepRequest is what a step handler receives: the step definition plus
// copies of the live execution context and prior step results.
type StepRequest struct {
	ExecutionID string
	Step        WorkflowStep
	Context     map[string]any
	Results     map[string]any
}

// StepHandler performs the work of one step type.
type StepHandler func(ctx context.Context, req StepRequest) (any, error)

// ExecutionReport is a point-in-time view of one execution.
type ExecutionReport struct {
	ExecutionID   string                `json:"execution_id"`
	WorkflowID    string                `json:"workflow_id"`
	Status        ExecutionStatus       `json:"status"`
	Steps         map[string]StepResult `json:"steps"`
	Completed     []string              `json:"completed"`
	EscalatedStep string                `json:"escalated_step,omitempty"`
	Error         string                `json:"error,omitempty"`
	Checkpoints   int                   `json:"checkpoints"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at,omitempty"`
}

// ExecutionMetrics summarizes one execution's performance.
type ExecutionMetrics struct {
	TotalSteps             int                      `json:"total_steps"`
	CompletedSteps         int                      `json:"completed_steps"`
	FailedSteps            int                      `json:"failed_steps"`
	SkippedSteps           int                      `json:"skipped_steps"`
	CancelledSteps         int                      `json:"cancelled_steps"`
	AvgStepDuration        time.Duration            `json:"avg_step_duration"`
	MaxStepDuration        time.Duration            `json:"max_step_duration"`
	ParticipantUtilization map[string]time.Duration `json:"participant_utilization"`
	Bottlenecks            []string                 `json:"bottlenecks"`
	Suggestions            []string                 `json:"suggestions"`
}

type execution struct {
	id         string
	workflowID string
	def        WorkflowDefinition

	mu            sync.Mutex
	status        ExecutionStatus
	steps         map[string]*StepResult
	completed     []string
	contextValues map[string]any
	results       map[string]any
	checkpoints   []*Checkpoint
	retryBudget   int
	escalatedStep string
	failure       string
	startedAt     time.Time
	finishedAt    time.Time

	pauseRequested  bool
	cancelRequested bool
	resume          chan struct{}
	done            chan struct{}
}

// WorkflowOrchestrator schedules DAG workflows over the coordination
// components: steps dispatch to registered handlers or to participants
// through the resilient executor, progress is checkpointed, and failures
// follow the definition's error policy. The orchestrator is the sole owner
// of execution and checkpoint state.
type WorkflowOrchestrator struct {
	config     config.OrchestratorConfig
	logger     *zap.Logger
	events     *EventBus
	metrics    *MetricsCollector
	conditions *ConditionEvaluator
	executor   *ResilientExecutor
	tracker    *ParticipantTracker

	mu           sync.Mutex
	workflows    map[string]WorkflowDefinition
	executions   map[string]*execution
	handlers     map[StepType]StepHandler
	participants map[string]interfaces.Participant
}

// NewWorkflowOrchestrator creates an orchestrator. executor may be nil when
// no participant-backed steps are used; conditions is created on demand.
func NewWorkflowOrchestrator(cfg config.OrchestratorConfig, logger *zap.Logger, events *EventBus, metrics *MetricsCollector, conditions *ConditionEvaluator, executor *ResilientExecutor) *WorkflowOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conditions == nil {
		conditions, _ = NewConditionEvaluator()
	}
	return &WorkflowOrchestrator{
		config:       cfg,
		logger:       logger,
		events:       events,
		metrics:      metrics,
		conditions:   conditions,
		executor:     executor,
		tracker:      NewParticipantTracker(),
		workflows:    make(map[string]WorkflowDefinition),
		executions:   make(map[string]*execution),
		handlers:     make(map[StepType]StepHandler),
		participants: make(map[string]interfaces.Participant),
	}
}

// Participants exposes the tracker for health reporting.
func (wo *WorkflowOrchestrator) Participants() *ParticipantTracker { return wo.tracker }

// BacklogName implements BacklogReporter.
func (wo *WorkflowOrchestrator) BacklogName() string { return "active_executions" }

// Backlog implements BacklogReporter. It reports non-terminal executions.
func (wo *WorkflowOrchestrator) Backlog() int {
	wo.mu.Lock()
	executions := make([]*execution, 0, len(wo.executions))
	for _, exec := range wo.executions {
		executions = append(executions, exec)
	}
	wo.mu.Unlock()

	active := 0
	for _, exec := range executions {
		exec.mu.Lock()
		if !exec.status.terminal() {
			active++
		}
		exec.mu.Unlock()
	}
	return active
}

// RegisterHandler installs the worker for one step type. Later registrations
// replace earlier ones.
func (wo *WorkflowOrchestrator) RegisterHandler(stepType StepType, handler StepHandler) {
	wo.mu.Lock()
	defer wo.mu.Unlock()
	wo.handlers[stepType] = handler
}

// RegisterParticipant makes a participant available for step assignment.
func (wo *WorkflowOrchestrator) RegisterParticipant(p interfaces.Participant) {
	wo.mu.Lock()
	wo.participants[p.ID()] = p
	wo.mu.Unlock()
	wo.tracker.Register(p.ID())
}

// DefineWorkflow validates and stores a workflow definition, returning its
// id. A missing id is generated.
func (wo *WorkflowOrchestrator) DefineWorkflow(def WorkflowDefinition) (string, error) {
	if def.ID == "" {
		def.ID = "wf-" + uuid.NewString()[:8]
	}
	if def.Strategy == "" {
		def.Strategy = StrategySequential
	}
	if err := def.Validate(wo.conditions); err != nil {
		return "", coorderrors.Wrap(err, "WORKFLOW_INVALID", "workflow validation failed")
	}

	wo.mu.Lock()
	defer wo.mu.Unlock()
	wo.workflows[def.ID] = def
	return def.ID, nil
}

// Execute starts a new execution of a defined workflow and returns its id.
// The dependency graph is re-validated before any step runs; the execution
// itself proceeds asynchronously.
func (wo *WorkflowOrchestrator) Execute(ctx context.Context, workflowID string, initialContext map[string]any) (string, error) {
	wo.mu.Lock()
	def, ok := wo.workflows[workflowID]
	wo.mu.Unlock()
	if !ok {
		return "", coorderrors.New("WORKFLOW_NOT_FOUND", "no workflow with id "+workflowID)
	}
	if err := def.Validate(wo.conditions); err != nil {
		return "", coorderrors.Wrap(err, "WORKFLOW_INVALID", "workflow validation failed")
	}
	waves, err := def.order()
	if err != nil {
		return "", coorderrors.Wrap(err, "WORKFLOW_INVALID", "dependency ordering failed")
	}

	exec := &execution{
		id:            GenerateExecutionID(),
		workflowID:    workflowID,
		def:           def,
		status:        ExecutionInitializing,
		steps:         make(map[string]*StepResult, len(def.Steps)),
		contextValues: deepCopyMap(initialContext),
		results:       make(map[string]any),
		retryBudget:   wo.config.MaxStepRetries,
		resume:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		startedAt:     time.Now(),
	}
	for _, step := range def.Steps {
		exec.steps[step.ID] = &StepResult{StepID: step.ID, Status: StepPending, Participant: step.Participant}
	}

	wo.mu.Lock()
	wo.executions[exec.id] = exec
	wo.mu.Unlock()

	go wo.run(ctx, exec, waves)
	return exec.id, nil
}

// Wait blocks until the execution reaches a terminal state or the timeout
// elapses.
func (wo *WorkflowOrchestrator) Wait(executionID string, timeout time.Duration) error {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}
	select {
	case <-exec.done:
		return nil
	case <-time.After(timeout):
		return coorderrors.New("WAIT_TIMEOUT", "execution did not finish within "+timeout.String())
	}
}

// Status reports the execution's current state.
func (wo *WorkflowOrchestrator) Status(executionID string) (ExecutionReport, error) {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return ExecutionReport{}, coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	report := ExecutionReport{
		ExecutionID:   exec.id,
		WorkflowID:    exec.workflowID,
		Status:        exec.status,
		Steps:         make(map[string]StepResult, len(exec.steps)),
		Completed:     append([]string(nil), exec.completed...),
		EscalatedStep: exec.escalatedStep,
		Error:         exec.failure,
		Checkpoints:   len(exec.checkpoints),
		StartedAt:     exec.startedAt,
		FinishedAt:    exec.finishedAt,
	}
	for id, step := range exec.steps {
		report.Steps[id] = *step
	}
	return report, nil
}

// Executions returns a report for every known execution, ordered by id.
func (wo *WorkflowOrchestrator) Executions() []ExecutionReport {
	wo.mu.Lock()
	ids := make([]string, 0, len(wo.executions))
	for id := range wo.executions {
		ids = append(ids, id)
	}
	wo.mu.Unlock()
	sort.Strings(ids)

	out := make([]ExecutionReport, 0, len(ids))
	for _, id := range ids {
		if report, err := wo.Status(id); err == nil {
			out = append(out, report)
		}
	}
	return out
}

// Pause stops new step starts. In-flight steps run to completion; the
// execution resumes from its recorded progress.
func (wo *WorkflowOrchestrator) Pause(executionID string) error {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.status.terminal() {
		return coorderrors.New("EXECUTION_TERMINAL", "execution already finished")
	}
	exec.pauseRequested = true
	return nil
}

// Resume restarts a paused execution. If the pause came from an escalated
// step failure, the escalated step is marked skipped: resuming is the
// external decision to move past it.
func (wo *WorkflowOrchestrator) Resume(executionID string) error {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	if exec.status.terminal() {
		exec.mu.Unlock()
		return coorderrors.New("EXECUTION_TERMINAL", "execution already finished")
	}
	if exec.escalatedStep != "" {
		if step, ok := exec.steps[exec.escalatedStep]; ok && step.Status == StepFailed {
			step.Status = StepSkipped
		}
		exec.escalatedStep = ""
	}
	exec.pauseRequested = false
	exec.mu.Unlock()

	select {
	case exec.resume <- struct{}{}:
	default:
	}
	return nil
}

// Cancel moves the execution to cancelled and halts further scheduling.
// In-flight step calls run to their own timeout.
func (wo *WorkflowOrchestrator) Cancel(executionID string) error {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	if exec.status.terminal() {
		exec.mu.Unlock()
		return coorderrors.New("EXECUTION_TERMINAL", "execution already finished")
	}
	exec.cancelRequested = true
	exec.mu.Unlock()

	select {
	case exec.resume <- struct{}{}:
	default:
	}
	return nil
}

// run drives one execution through its dependency waves.
func (wo *WorkflowOrchestrator) run(ctx context.Context, exec *execution, waves [][]string) {
	defer close(exec.done)

	exec.mu.Lock()
	exec.status = ExecutionRunning
	// The initial checkpoint is the rollback target when the first step
	// fails.
	wo.checkpointLocked(exec)
	exec.mu.Unlock()

	deadline := wo.config.GlobalTimeout
	if exec.def.Timeout > 0 {
		deadline = exec.def.Timeout
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	for waveIdx, wave := range waves {
		if wo.waitForRunnable(exec) {
			return
		}

		wo.publish(EventWorkflowPhase, map[string]any{
			"execution_id": exec.id,
			"workflow_id":  exec.workflowID,
			"wave":         waveIdx,
			"steps":        wave,
		})

		if wo.runWave(ctx, exec, wave) {
			return
		}
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	anyFailed := false
	for _, step := range exec.steps {
		if step.Status == StepFailed {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		exec.failure = "one or more steps failed"
		wo.finishLocked(exec, ExecutionFailed)
	} else {
		wo.finishLocked(exec, ExecutionCompleted)
	}
}

// waitForRunnable blocks while the execution is paused. It returns true when
// the execution halted (cancelled or otherwise terminal).
func (wo *WorkflowOrchestrator) waitForRunnable(exec *execution) bool {
	for {
		exec.mu.Lock()
		if exec.cancelRequested {
			wo.finishLocked(exec, ExecutionCancelled)
			exec.mu.Unlock()
			return true
		}
		if exec.status.terminal() {
			exec.mu.Unlock()
			return true
		}
		if !exec.pauseRequested {
			if exec.status == ExecutionPaused {
				exec.status = ExecutionRunning
			}
			exec.mu.Unlock()
			return false
		}
		exec.status = ExecutionPaused
		exec.mu.Unlock()

		<-exec.resume
	}
}

// runWave executes one dependency wave, bounded by MaxConcurrentSteps.
// Returns true when the execution halted.
func (wo *WorkflowOrchestrator) runWave(ctx context.Context, exec *execution, wave []string) bool {
	limit := wo.config.MaxConcurrentSteps
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	sequential := exec.def.Strategy == StrategySequential || exec.def.Strategy == StrategyConditional

	for _, stepID := range wave {
		if wo.waitForRunnable(exec) {
			wg.Wait()
			return true
		}

		step, _ := exec.def.step(stepID)
		if !wo.prepareStep(exec, step) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(step WorkflowStep) {
			defer wg.Done()
			defer func() { <-sem }()
			wo.runStep(ctx, exec, step)
		}(step)

		if sequential {
			wg.Wait()
			if wo.haltRequired(exec) {
				return true
			}
		}
	}
	wg.Wait()
	return wo.haltRequired(exec)
}

// prepareStep decides whether a step runs: dependencies must have finished
// acceptably and the step's condition must hold. Returns false when the step
// was resolved without running (skipped or cancelled).
func (wo *WorkflowOrchestrator) prepareStep(exec *execution, step WorkflowStep) bool {
	exec.mu.Lock()
	state := exec.steps[step.ID]
	if state.Status != StepPending {
		exec.mu.Unlock()
		return false
	}

	for _, dep := range step.DependsOn {
		switch exec.steps[dep].Status {
		case StepCompleted, StepSkipped:
		default:
			// Failed or cancelled dependency: this step can never run.
			state.Status = StepCancelled
			exec.mu.Unlock()
			return false
		}
	}

	contextCopy := deepCopyMap(exec.contextValues)
	resultsCopy := deepCopyMap(exec.results)
	workflowMeta := map[string]any{"id": exec.workflowID, "execution_id": exec.id}
	exec.mu.Unlock()

	if step.Condition != "" {
		ok, err := wo.conditions.Evaluate(step.Condition, contextCopy, resultsCopy, workflowMeta)
		if err != nil {
			wo.logger.Warn("condition evaluation failed, skipping step",
				zap.String("execution_id", exec.id),
				zap.String("step", step.ID),
				zap.Error(err))
			ok = false
		}
		if !ok {
			exec.mu.Lock()
			exec.steps[step.ID].Status = StepSkipped
			exec.mu.Unlock()
			return false
		}
	}
	return true
}

// runStep dispatches one step and applies the error policy on failure.
func (wo *WorkflowOrchestrator) runStep(ctx context.Context, exec *execution, step WorkflowStep) {
	participant := wo.assignParticipant(step)
	started := time.Now()

	exec.mu.Lock()
	state := exec.steps[step.ID]
	state.Status = StepRunning
	state.Participant = participant
	state.StartedAt = started
	request := StepRequest{
		ExecutionID: exec.id,
		Step:        step,
		Context:     deepCopyMap(exec.contextValues),
		Results:     deepCopyMap(exec.results),
	}
	exec.mu.Unlock()

	if participant != "" {
		wo.tracker.Assign(participant)
	}

	value, attempts, err := wo.dispatch(ctx, exec, step, participant, request)
	elapsed := time.Since(started)

	if participant != "" {
		wo.tracker.Complete(participant, elapsed, err == nil)
	}
	if wo.metrics != nil {
		wo.metrics.RecordOperation("orchestrator", string(step.Type), elapsed, err == nil)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	state.Attempts = attempts
	state.Retried = attempts > 1
	state.FinishedAt = time.Now()

	if err == nil {
		state.Status = StepCompleted
		state.Value = value
		exec.results[step.ID] = value
		exec.completed = append(exec.completed, step.ID)
		wo.checkpointLocked(exec)
		return
	}

	state.Status = StepFailed
	state.Error = err.Error()
	wo.logger.Warn("workflow step failed",
		zap.String("execution_id", exec.id),
		zap.String("step", step.ID),
		zap.Int("attempts", attempts),
		zap.Error(err))

	switch exec.def.ErrorPolicy {
	case ErrorContinue:
		// Dependents are cancelled by the dependency check; independent
		// branches keep going.

	case ErrorRollback:
		// Record the failure state, then restore the checkpoint preceding
		// it.
		wo.checkpointLocked(exec)
		wo.rollbackLocked(exec)
		exec.failure = fmt.Sprintf("step %s failed, rolled back: %v", step.ID, err)
		wo.finishLocked(exec, ExecutionFailed)

	case ErrorEscalate:
		exec.escalatedStep = step.ID
		exec.pauseRequested = true
		wo.publish(EventWorkflowFailed, map[string]any{
			"execution_id": exec.id,
			"step":         step.ID,
			"reason":       "escalated",
			"error":        err.Error(),
		})

	default: // fail-fast
		exec.failure = fmt.Sprintf("step %s failed: %v", step.ID, err)
		for _, other := range exec.steps {
			if other.Status == StepPending {
				other.Status = StepCancelled
			}
		}
		wo.finishLocked(exec, ExecutionFailed)
	}
}

// assignParticipant returns the step's participant, choosing the least-busy
// registered participant for unassigned steps when any are registered.
func (wo *WorkflowOrchestrator) assignParticipant(step WorkflowStep) string {
	if step.Participant != "" {
		return step.Participant
	}
	wo.mu.Lock()
	candidates := make([]string, 0, len(wo.participants))
	for id := range wo.participants {
		candidates = append(candidates, id)
	}
	wo.mu.Unlock()
	sort.Strings(candidates)
	return wo.tracker.LeastBusy(candidates)
}

// dispatch runs the step's work under its timeout and the execution's retry
// policy, returning the result and the number of attempts made.
func (wo *WorkflowOrchestrator) dispatch(ctx context.Context, exec *execution, step WorkflowStep, participant string, request StepRequest) (any, int, error) {
	wo.mu.Lock()
	handler := wo.handlers[step.Type]
	p := wo.participants[participant]
	wo.mu.Unlock()

	if handler == nil && p == nil {
		return nil, 1, coorderrors.New("STEP_UNROUTABLE",
			fmt.Sprintf("step %s: no handler for type %s and no registered participant", step.ID, step.Type))
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = wo.config.StepTimeout
	}

	call := func(ctx context.Context) (any, error) {
		if handler != nil {
			return handler(ctx, request)
		}
		return p.Call(ctx, string(step.Type), step.Args)
	}

	maxAttempts := wo.stepAttempts(exec, step)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		var value any
		var err error
		if wo.executor != nil && participant != "" && handler == nil {
			value, err = wo.executor.Execute(stepCtx, participant, string(step.Type), call, nil)
		} else {
			value, err = call(stepCtx)
		}
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts || !wo.consumeRetryBudget(exec) {
			return nil, attempt, lastErr
		}
		if exec.def.RetryPolicy == RetryAdaptive {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return nil, maxAttempts, lastErr
}

// stepAttempts derives the attempt bound from the retry policy.
func (wo *WorkflowOrchestrator) stepAttempts(exec *execution, step WorkflowStep) int {
	retries := step.MaxRetries
	if retries <= 0 {
		retries = wo.config.MaxStepRetries
	}
	switch exec.def.RetryPolicy {
	case RetryPerStep, RetryAdaptive:
		return 1 + retries
	case RetryPerWorkflow:
		return 1 + retries // further bounded by the shared budget
	default:
		return 1
	}
}

// consumeRetryBudget charges one retry against the per-workflow budget when
// that policy applies. Other policies always allow the retry.
func (wo *WorkflowOrchestrator) consumeRetryBudget(exec *execution) bool {
	if exec.def.RetryPolicy != RetryPerWorkflow {
		return true
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.retryBudget <= 0 {
		return false
	}
	exec.retryBudget--
	return true
}

// haltRequired reports whether the execution reached a terminal state.
func (wo *WorkflowOrchestrator) haltRequired(exec *execution) bool {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.status.terminal()
}

// checkpointLocked captures a checkpoint of the execution's progress.
// Callers hold exec.mu.
func (wo *WorkflowOrchestrator) checkpointLocked(exec *execution) {
	cp := newCheckpoint(exec.id, exec.completed, exec.contextValues, exec.results, wo.tracker.Status())
	exec.checkpoints = append(exec.checkpoints, cp)

	limit := wo.config.CheckpointLimit
	if limit <= 0 {
		limit = 100
	}
	if len(exec.checkpoints) > limit {
		exec.checkpoints = exec.checkpoints[len(exec.checkpoints)-limit:]
	}
}

// rollbackLocked restores the checkpoint immediately preceding the most
// recent one. Callers hold exec.mu.
func (wo *WorkflowOrchestrator) rollbackLocked(exec *execution) {
	if len(exec.checkpoints) < 2 {
		return
	}
	target := exec.checkpoints[len(exec.checkpoints)-2]
	exec.completed = append([]string(nil), target.CompletedSteps...)
	exec.contextValues = deepCopyMap(target.Context)
	exec.results = deepCopyMap(target.Results)
	wo.logger.Info("execution rolled back to checkpoint",
		zap.String("execution_id", exec.id),
		zap.String("checkpoint_id", target.ID),
		zap.Strings("completed_steps", target.CompletedSteps))
}

// finishLocked moves the execution to a terminal state. Callers hold
// exec.mu.
func (wo *WorkflowOrchestrator) finishLocked(exec *execution, status ExecutionStatus) {
	if exec.status.terminal() {
		return
	}
	exec.status = status
	exec.finishedAt = time.Now()

	eventType := EventWorkflowCompleted
	if status != ExecutionCompleted {
		eventType = EventWorkflowFailed
	}
	wo.publish(eventType, map[string]any{
		"execution_id": exec.id,
		"workflow_id":  exec.workflowID,
		"status":       string(status),
		"error":        exec.failure,
	})
	wo.logger.Info("execution finished",
		zap.String("execution_id", exec.id),
		zap.String("workflow_id", exec.workflowID),
		zap.String("status", string(status)))
}

// Checkpoints returns the execution's recorded checkpoints, oldest first.
func (wo *WorkflowOrchestrator) Checkpoints(executionID string) ([]*Checkpoint, error) {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return nil, coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	out := make([]*Checkpoint, len(exec.checkpoints))
	copy(out, exec.checkpoints)
	return out, nil
}

// Metrics computes per-execution performance: step counts, durations,
// per-participant utilization, bottlenecks (duration above mean plus two
// standard deviations), and optimization suggestions.
func (wo *WorkflowOrchestrator) Metrics(executionID string) (ExecutionMetrics, error) {
	wo.mu.Lock()
	exec, ok := wo.executions[executionID]
	wo.mu.Unlock()
	if !ok {
		return ExecutionMetrics{}, coorderrors.New("EXECUTION_NOT_FOUND", "no execution with id "+executionID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	m := ExecutionMetrics{
		TotalSteps:             len(exec.steps),
		ParticipantUtilization: make(map[string]time.Duration),
	}

	type timing struct {
		id      string
		elapsed time.Duration
	}
	var timings []timing
	var total time.Duration
	for id, step := range exec.steps {
		switch step.Status {
		case StepCompleted:
			m.CompletedSteps++
		case StepFailed:
			m.FailedSteps++
		case StepSkipped:
			m.SkippedSteps++
		case StepCancelled:
			m.CancelledSteps++
		}
		if step.StartedAt.IsZero() || step.FinishedAt.IsZero() {
			continue
		}
		elapsed := step.FinishedAt.Sub(step.StartedAt)
		timings = append(timings, timing{id: id, elapsed: elapsed})
		total += elapsed
		if elapsed > m.MaxStepDuration {
			m.MaxStepDuration = elapsed
		}
		if step.Participant != "" {
			m.ParticipantUtilization[step.Participant] += elapsed
		}
	}

	if len(timings) > 0 {
		m.AvgStepDuration = total / time.Duration(len(timings))

		mean := float64(m.AvgStepDuration)
		var variance float64
		for _, t := range timings {
			d := float64(t.elapsed) - mean
			variance += d * d
		}
		variance /= float64(len(timings))
		threshold := mean + 2*math.Sqrt(variance)

		for _, t := range timings {
			if len(timings) > 1 && float64(t.elapsed) > threshold {
				m.Bottlenecks = append(m.Bottlenecks, t.id)
			}
		}
		sort.Strings(m.Bottlenecks)
	}

	if len(m.Bottlenecks) > 0 {
		m.Suggestions = append(m.Suggestions,
			fmt.Sprintf("steps %v dominate execution time - consider splitting them or raising their timeout", m.Bottlenecks))
	}
	if m.FailedSteps > 0 && (exec.def.RetryPolicy == RetryNone || exec.def.RetryPolicy == "") {
		m.Suggestions = append(m.Suggestions, "failed steps with no retry policy - consider per-step retries")
	}
	if exec.def.Strategy == StrategySequential && m.TotalSteps > 3 {
		m.Suggestions = append(m.Suggestions, "long sequential workflow - independent steps could run as parallel waves")
	}
	return m, nil
}

func (wo *WorkflowOrchestrator) publish(eventType EventType, fields map[string]any) {
	if wo.events == nil {
		return
	}
	wo.events.Publish(Event{Type: eventType, Component: "orchestrator", Fields: fields})
}

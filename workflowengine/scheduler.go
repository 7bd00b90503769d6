package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hector-engine/core/agentexecutor"
	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/reviewgate"
	"github.com/hector-engine/core/toolregistry"
	"golang.org/x/sync/semaphore"
)

// scheduler runs one Workflow's (or one `parallel` step's sub-group's) DAG
// to completion: a dependency-count-driven dispatcher, bounded by a
// semaphore, that dispatches a step the instant every declared dependency
// reaches a terminal status. This replaces workflow/executors.go's
// DAGExecutor, which only ever iterates request.Workflow.Agents in
// declaration order.
type scheduler struct {
	engine *WorkflowEngine
	ec     *ExecutionContext
	policy FailurePolicy
	sem    *semaphore.Weighted

	byID       map[string]Step
	dependents map[string][]string
	indegree   map[string]int

	mu            sync.Mutex
	wg            sync.WaitGroup
	remaining     int
	fastFailed    bool
	anyFailed     bool
	anyTimeout    bool
	branchWinner  map[string]string // branch step id -> winning Then step id
	branchTargets map[string]bool   // every step id that appears as a branch Then target
}

func newScheduler(w Workflow, ec *ExecutionContext, parallelismCap int) *scheduler {
	s := &scheduler{
		ec: ec, policy: w.FailurePolicy, sem: semaphore.NewWeighted(int64(parallelismCap)),
		byID: make(map[string]Step, len(w.Steps)), dependents: make(map[string][]string),
		indegree: make(map[string]int, len(w.Steps)),
		branchWinner: make(map[string]string), branchTargets: make(map[string]bool),
	}
	for _, step := range w.Steps {
		s.byID[step.ID] = step
		s.indegree[step.ID] = len(step.DependsOn)
	}
	for _, step := range w.Steps {
		for _, dep := range step.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], step.ID)
		}
		for _, b := range step.Branches {
			s.branchTargets[b.Then] = true
		}
	}
	s.remaining = len(w.Steps)
	return s
}

// run executes the DAG to a terminal state and reports whether any step
// ended in failed/cancelled (i.e. the workflow did not complete cleanly),
// and whether any of those terminations was specifically a deadline timeout
// rather than an explicit cancellation or business failure.
func (s *scheduler) run(ctx context.Context, engine *WorkflowEngine, cancelAll context.CancelFunc) (failed bool, timedOut bool) {
	s.engine = engine
	if s.remaining == 0 {
		return false, false
	}

	s.wg.Add(s.remaining)
	for id, step := range s.byID {
		if s.indegree[id] == 0 {
			s.dispatch(ctx, step, cancelAll)
		}
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyFailed, s.anyTimeout
}

func (s *scheduler) dispatch(ctx context.Context, step Step, cancelAll context.CancelFunc) {
	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.finish(ctx, step, StepRecord{Status: StepCancelled, Kind: classifyCtxErr(err), Err: err}, cancelAll)
			return
		}
		defer s.sem.Release(1)

		rec := s.execute(ctx, step, cancelAll)
		s.finish(ctx, step, rec, cancelAll)
	}()
}

// execute runs one step (evaluating its Condition, honoring retry, and
// dispatching by kind) and returns its terminal StepRecord.
func (s *scheduler) execute(ctx context.Context, step Step, cancelAll context.CancelFunc) StepRecord {
	select {
	case <-ctx.Done():
		return StepRecord{Status: StepCancelled, Kind: classifyCtxErr(ctx.Err()), Err: ctx.Err()}
	default:
	}

	if step.Condition != nil && !s.evalCondition(*step.Condition) {
		return StepRecord{Status: StepSkipped}
	}

	if step.RequiresApproval {
		if rec, done := s.awaitApproval(ctx, step); done {
			return rec
		}
	}

	stepCtx := ctx
	var cancelStep context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancelStep = context.WithTimeout(ctx, step.Timeout)
		defer cancelStep()
	}

	s.engine.publish(eventbus.KindWorkflowStepStarted, s.ec.CorrelationID, map[string]interface{}{"step": step.ID})

	policy := step.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	var lastKind coreerrors.Kind
	attempts := 0

	for attempts < policy.MaxAttempts {
		attempts++
		output, kind, err := s.dispatchByKind(stepCtx, step)
		if err == nil {
			rec := StepRecord{Status: StepCompleted, Output: output, Attempts: attempts}
			s.ec.setShared(step.ID+".output", output)
			s.engine.publish(eventbus.KindWorkflowStepDone, s.ec.CorrelationID, map[string]interface{}{"step": step.ID})
			return rec
		}
		if kind == "" && stepCtx.Err() != nil {
			// the handler returned a bare ctx error rather than a classified
			// coreerrors.Error; attribute it to the step's own deadline/
			// cancellation instead of leaving it an unclassified failure.
			kind = classifyCtxErr(stepCtx.Err())
		}
		lastErr, lastKind = err, kind

		if attempts >= policy.MaxAttempts || !kind.Retryable() {
			break
		}
		delay := backoffDelay(policy, attempts)
		select {
		case <-stepCtx.Done():
			lastErr, lastKind = stepCtx.Err(), classifyCtxErr(stepCtx.Err())
			goto done
		case <-time.After(delay):
		}
	}
done:

	status := StepFailed
	if lastKind == coreerrors.KindCancelled || lastKind == coreerrors.KindTimeout {
		status = StepCancelled
	}
	s.engine.publish(eventbus.KindWorkflowStepFailed, s.ec.CorrelationID, map[string]interface{}{"step": step.ID, "kind": string(lastKind)})
	return StepRecord{Status: status, Kind: lastKind, Err: lastErr, Attempts: attempts}
}

func (s *scheduler) awaitApproval(ctx context.Context, step Step) (StepRecord, bool) {
	if s.engine.opts.Reviews == nil {
		return StepRecord{}, false
	}
	s.ec.setStatus(WorkflowAwaitingApproval)
	defer s.ec.setStatus(WorkflowRunning)

	ttl := s.engine.opts.ApprovalTimeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := s.engine.opts.Reviews.Request(step.ID, "workflow_step",
		fmt.Sprintf("%s step %s", step.Kind, step.ID), "workflow-engine", reviewgate.Policy{}, ttl)
	if err != nil {
		return StepRecord{Status: StepFailed, Kind: coreerrors.KindPolicyDenied, Err: err}, true
	}

	decision, err := s.engine.opts.Reviews.WaitFor(ctx, req.ID, time.Now().Add(ttl))
	if err != nil {
		return StepRecord{Status: StepFailed, Kind: coreerrors.KindPolicyDenied, Err: err}, true
	}
	if decision.State != reviewgate.StateApproved {
		return StepRecord{Status: StepFailed, Kind: coreerrors.KindPolicyDenied,
			Err: fmt.Errorf("step %q approval %s", step.ID, decision.State)}, true
	}
	return StepRecord{}, false
}

// dispatchByKind runs the step kind's single attempt against the capability
// bundle, per §4.5 step 3.
func (s *scheduler) dispatchByKind(ctx context.Context, step Step) (string, coreerrors.Kind, error) {
	switch step.Kind {
	case KindAgentStep:
		if s.engine.opts.AgentExecutor == nil || step.Provider == nil {
			return "", coreerrors.KindConfigurationError, fmt.Errorf("agent step %q missing executor or provider", step.ID)
		}
		result, err := s.engine.opts.AgentExecutor.Execute(ctx, agentexecutor.Task{
			AgentName: step.AgentName, Task: step.Task, Inputs: step.Inputs, CorrelationID: s.ec.CorrelationID,
		}, step.Provider)
		if err != nil {
			return "", result.Kind, err
		}
		return result.Output, "", nil

	case KindToolStep:
		if s.engine.opts.Tools == nil {
			return "", coreerrors.KindConfigurationError, fmt.Errorf("tool step %q but no ToolRegistry configured", step.ID)
		}
		result, err := s.engine.opts.Tools.Invoke(ctx, step.ToolName, step.ToolArgs, toolregistry.PolicyContext{})
		if err != nil {
			return "", coreerrors.KindOf(err), err
		}
		return result.Content, "", nil

	case KindGroupStep:
		if s.engine.opts.Groups == nil {
			return "", coreerrors.KindConfigurationError, fmt.Errorf("group step %q but no GroupCollaborator configured", step.ID)
		}
		consensus, err := s.engine.opts.Groups.Collaborate(ctx, step.GroupName, step.Goal, s.ec.CorrelationID)
		if err != nil {
			return "", coreerrors.KindOf(err), err
		}
		return consensus, "", nil

	case KindBranchStep:
		winner := ""
		for _, b := range step.Branches {
			if s.evalCondition(b.Condition) {
				winner = b.Then
				break
			}
		}
		s.mu.Lock()
		s.branchWinner[step.ID] = winner
		s.mu.Unlock()
		return winner, "", nil

	case KindParallelStep:
		sub := Workflow{Name: step.ID + ".sub", Steps: step.SubSteps, FailurePolicy: s.policy}
		subEC := newExecutionContext(sub.Name, s.ec.CorrelationID)
		subSched := newScheduler(sub, subEC, len(step.SubSteps))
		failed, timedOut := subSched.run(ctx, s.engine, func() {})
		for id, rec := range subEC.Results() {
			s.ec.setResult(step.ID+"."+id, rec)
		}
		if failed {
			kind := coreerrors.KindInvalidWorkflow
			if timedOut {
				kind = coreerrors.KindTimeout
			}
			return "", kind, fmt.Errorf("parallel step %q: sub-group failed", step.ID)
		}
		return "", "", nil

	default:
		return "", coreerrors.KindInvalidWorkflow, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// classifyCtxErr attributes a bare context error to timeout vs cancellation.
func classifyCtxErr(err error) coreerrors.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.KindTimeout
	}
	return coreerrors.KindCancelled
}

// evalCondition checks a simple equality predicate against shared state.
func (s *scheduler) evalCondition(c Condition) bool {
	v, ok := s.ec.getShared(c.OutputKey)
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Equals)
}

// finish records step's terminal status, applies branch/fail-fast/continue-
// on-error cascades, and dispatches any dependent whose indegree reaches 0.
func (s *scheduler) finish(ctx context.Context, step Step, rec StepRecord, cancelAll context.CancelFunc) {
	s.ec.setResult(step.ID, rec)

	s.mu.Lock()
	if rec.Status == StepFailed || rec.Status == StepCancelled {
		s.anyFailed = true
		if rec.Kind == coreerrors.KindTimeout {
			s.anyTimeout = true
		}
	}
	triggerCancel := (rec.Status == StepFailed || rec.Status == StepCancelled) && s.policy == FailFast && !s.fastFailed
	if triggerCancel {
		s.fastFailed = true
	}
	s.mu.Unlock()
	if triggerCancel {
		cancelAll()
	}

	for _, depID := range s.dependents[step.ID] {
		s.mu.Lock()
		winner, isBranch := s.branchWinner[step.ID]
		skippedByBranch := isBranch && s.branchTargets[depID] && winner != depID
		s.mu.Unlock()

		if skippedByBranch {
			s.completeSkipped(ctx, depID, cancelAll)
			continue
		}

		s.mu.Lock()
		s.indegree[depID]--
		ready := s.indegree[depID] == 0
		s.mu.Unlock()

		if !ready {
			continue
		}

		if s.policy == ContinueOnError && depDependencyFailed(s, depID) {
			s.completeSkipped(ctx, depID, cancelAll)
			continue
		}

		s.dispatch(ctx, s.byID[depID], cancelAll)
	}
}

func depDependencyFailed(s *scheduler, stepID string) bool {
	for _, dep := range s.byID[stepID].DependsOn {
		rec, ok := s.ec.Result(dep)
		if ok && (rec.Status == StepFailed || rec.Status == StepCancelled || rec.Status == StepSkipped) {
			return true
		}
	}
	return false
}

// completeSkipped marks stepID (and transitively, anything only it feeds)
// as skipped without dispatching it, then cascades to its own dependents.
func (s *scheduler) completeSkipped(ctx context.Context, stepID string, cancelAll context.CancelFunc) {
	s.mu.Lock()
	step := s.byID[stepID]
	s.mu.Unlock()

	// stepID's wg slot was already reserved by run()'s initial wg.Add(s.remaining);
	// it never goes through dispatch, so this goroutine consumes that same slot.
	go func() {
		defer s.wg.Done()
		s.finish(ctx, step, StepRecord{Status: StepSkipped}, cancelAll)
	}()
}

// backoffDelay mirrors agentexecutor's jittered-exponential formula, applied
// at the step-retry layer (distinct from AgentExecutor's own provider-level
// retry inside a single agent turn).
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	if policy.MaxDelay > 0 && d > float64(policy.MaxDelay) {
		d = float64(policy.MaxDelay)
	}
	if policy.Jitter > 0 {
		spread := d * policy.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Package workflowengine executes a Workflow DAG to completion (spec.md
// §4.5). The ExecutionContext shape (mutex-guarded results/shared-state map,
// status enum) is carried over from workflow.ExecutionContext almost
// verbatim; the dependency-aware concurrent scheduler is new logic that
// replaces workflow/executors.go's DAGExecutor, whose own comment admits it
// only runs steps sequentially ("proper DAG logic would handle
// dependencies").
package workflowengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hector-engine/core/agentexecutor"
	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/providerport"
	"github.com/hector-engine/core/reviewgate"
	"github.com/hector-engine/core/toolregistry"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const component = "WorkflowEngine"

var tracer = otel.Tracer("hector.workflowengine")

// FailurePolicy controls how a step failure propagates (§4.5 step 4).
type FailurePolicy string

const (
	FailFast         FailurePolicy = "fail-fast"
	ContinueOnError  FailurePolicy = "continue-on-error"
)

// StepKind is the tagged-variant step type of §9's design guidance.
type StepKind string

const (
	KindAgentStep    StepKind = "agent"
	KindGroupStep    StepKind = "group"
	KindToolStep     StepKind = "tool"
	KindBranchStep   StepKind = "branch"
	KindParallelStep StepKind = "parallel"
)

// StepStatus is a step's terminal (or in-flight) status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepAwaiting  StepStatus = "awaiting_approval"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// WorkflowStatus is the aggregate execution status.
type WorkflowStatus string

const (
	WorkflowRunning          WorkflowStatus = "running"
	WorkflowAwaitingApproval WorkflowStatus = "awaiting_approval"
	WorkflowCompleted        WorkflowStatus = "completed"
	WorkflowFailed           WorkflowStatus = "failed"
	WorkflowCancelled        WorkflowStatus = "cancelled"
	WorkflowTimeout          WorkflowStatus = "timeout"
)

// Condition gates a step or branch case on a prior step's output.
type Condition struct {
	OutputKey string // "stepID.output" (a completed step's output) or "inputs.name"
	Equals    interface{}
}

// BranchCase is one arm of a `branch` step.
type BranchCase struct {
	Condition Condition
	Then      string // step id to activate
}

// RetryPolicy configures per-step retry, independent of AgentExecutor's own
// provider-level retry (§4.4 vs §4.5 step 4 operate at different layers).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64
}

// GroupCollaborator is the narrow capability workflowengine needs from
// GroupCollaborationEngine for `group` steps; kept as an interface so this
// package has no hard dependency on groupcollab's internal types.
type GroupCollaborator interface {
	Collaborate(ctx context.Context, groupName, goal string, correlationID string) (consensus string, err error)
}

// Step is one unit of work in a Workflow's DAG.
type Step struct {
	ID        string
	Kind      StepKind
	DependsOn []string
	Condition *Condition

	// kind = agent
	AgentName string
	Task      string
	Inputs    map[string]interface{}
	Provider  providerport.Port

	// kind = tool
	ToolName string
	ToolArgs map[string]interface{}

	// kind = group
	GroupName string
	Goal      string

	// kind = branch
	Branches []BranchCase

	// kind = parallel
	SubSteps []Step

	RequiresApproval bool
	Retry            RetryPolicy
	Timeout          time.Duration
}

// Workflow is a validated DAG of Steps.
type Workflow struct {
	Name           string
	Steps          []Step
	FailurePolicy  FailurePolicy
	ParallelismCap int
}

// StepRecord is one step's terminal bookkeeping, exposed via
// ExecutionContext.Results.
type StepRecord struct {
	Status   StepStatus
	Output   string
	Kind     coreerrors.Kind
	Attempts int
	Err      error
}

// ExecutionContext is the mutex-guarded per-invocation state of one
// Workflow run, carried over from workflow.ExecutionContext's shape.
type ExecutionContext struct {
	ID            string
	WorkflowName  string
	CorrelationID string

	mu      sync.RWMutex
	status  WorkflowStatus
	results map[string]StepRecord
	shared  map[string]interface{}
	started time.Time
	ended   time.Time
}

func newExecutionContext(workflowName, correlationID string) *ExecutionContext {
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	return &ExecutionContext{
		ID: ulid.Make().String(), WorkflowName: workflowName, CorrelationID: correlationID,
		status: WorkflowRunning, results: make(map[string]StepRecord), shared: make(map[string]interface{}),
		started: time.Now(),
	}
}

func (ec *ExecutionContext) setStatus(s WorkflowStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status = s
}

// Status returns the current aggregate status.
func (ec *ExecutionContext) Status() WorkflowStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

func (ec *ExecutionContext) setResult(stepID string, rec StepRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[stepID] = rec
}

// Result returns a step's record.
func (ec *ExecutionContext) Result(stepID string) (StepRecord, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[stepID]
	return r, ok
}

// Results returns a snapshot of every step's record.
func (ec *ExecutionContext) Results() map[string]StepRecord {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]StepRecord, len(ec.results))
	for k, v := range ec.results {
		out[k] = v
	}
	return out
}

func (ec *ExecutionContext) setShared(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.shared[key] = value
}

func (ec *ExecutionContext) getShared(key string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.shared[key]
	return v, ok
}

func (ec *ExecutionContext) Duration() time.Duration {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.ended.IsZero() {
		return time.Since(ec.started)
	}
	return ec.ended.Sub(ec.started)
}

// Options bundles WorkflowEngine's dependencies.
type Options struct {
	AgentExecutor *agentexecutor.AgentExecutor
	Tools         *toolregistry.ToolRegistry
	Groups        GroupCollaborator
	Events        *eventbus.EventBus
	Reviews       *reviewgate.ReviewGate
	// ApprovalTimeout bounds how long a RequiresApproval step waits before
	// the review is treated as expired/rejected.
	ApprovalTimeout time.Duration
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// WorkflowEngine executes Workflows against the capability bundle in Options.
type WorkflowEngine struct {
	opts Options
}

// New constructs a WorkflowEngine.
func New(opts Options) *WorkflowEngine {
	return &WorkflowEngine{opts: opts}
}

// Validate checks §4.5 step 1: the dependency graph over w.Steps is a DAG
// and every DependsOn/Branches.Then reference resolves to a declared step.
func Validate(w Workflow) error {
	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return newErr("Validate", coreerrors.KindInvalidWorkflow, "step with empty id", nil)
		}
		if ids[s.ID] {
			return newErr("Validate", coreerrors.KindInvalidWorkflow, fmt.Sprintf("duplicate step id %q", s.ID), nil)
		}
		ids[s.ID] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return newErr("Validate", coreerrors.KindInvalidWorkflow,
					fmt.Sprintf("step %q depends on undeclared step %q", s.ID, dep), nil)
			}
		}
		for _, b := range s.Branches {
			if !ids[b.Then] {
				return newErr("Validate", coreerrors.KindInvalidWorkflow,
					fmt.Sprintf("step %q branch targets undeclared step %q", s.ID, b.Then), nil)
			}
		}
	}
	return detectCycle(w.Steps)
}

// detectCycle walks the dependency graph with an explicit visited set per
// §9's design guidance (never via object pointers).
func detectCycle(steps []Step) error {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return newErr("Validate", coreerrors.KindCycle,
					fmt.Sprintf("dependency cycle detected involving %v", append(stack, dep)), nil)
			case white:
				if err := visit(dep, stack); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if err := visit(s.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute runs w to completion per §4.5's scheduling algorithm.
func (e *WorkflowEngine) Execute(ctx context.Context, w Workflow, inputs map[string]interface{}, correlationID string) (*ExecutionContext, error) {
	if err := Validate(w); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "workflowengine.Execute",
		trace.WithAttributes(attribute.String("workflow.name", w.Name)))
	defer span.End()

	ec := newExecutionContext(w.Name, correlationID)
	for k, v := range inputs {
		ec.setShared("inputs."+k, v)
	}

	cap := w.ParallelismCap
	if cap <= 0 {
		cap = 8
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.publish(eventbus.KindWorkflowStarted, ec.CorrelationID, map[string]interface{}{"workflow": w.Name})

	sched := newScheduler(w, ec, cap)
	failed, timedOut := sched.run(runCtx, e, cancel)

	ec.mu.Lock()
	ec.ended = time.Now()
	ec.mu.Unlock()

	if failed {
		switch {
		case timedOut:
			ec.setStatus(WorkflowTimeout)
			e.publish(eventbus.KindWorkflowFailed, ec.CorrelationID, map[string]interface{}{"workflow": w.Name, "reason": "timeout"})
			return ec, newErr("Execute", coreerrors.KindTimeout, "workflow timed out", ctx.Err())
		case ctx.Err() != nil && runCtx.Err() != nil:
			ec.setStatus(WorkflowCancelled)
			e.publish(eventbus.KindWorkflowFailed, ec.CorrelationID, map[string]interface{}{"workflow": w.Name, "reason": "cancelled"})
			return ec, newErr("Execute", coreerrors.KindCancelled, "workflow cancelled", ctx.Err())
		default:
			ec.setStatus(WorkflowFailed)
			e.publish(eventbus.KindWorkflowFailed, ec.CorrelationID, map[string]interface{}{"workflow": w.Name})
			return ec, newErr("Execute", coreerrors.KindInvalidWorkflow, "one or more steps failed", nil)
		}
	}

	ec.setStatus(WorkflowCompleted)
	e.publish(eventbus.KindWorkflowCompleted, ec.CorrelationID, map[string]interface{}{"workflow": w.Name})
	return ec, nil
}

func (e *WorkflowEngine) publish(kind eventbus.Kind, correlationID string, payload interface{}) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(eventbus.Event{Kind: kind, CorrelationID: correlationID, Payload: payload})
}

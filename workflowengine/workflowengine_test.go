package workflowengine

import (
	"context"
	"testing"
	"time"

	"github.com/hector-engine/core/agentexecutor"
	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/providerport"
	"github.com/hector-engine/core/specregistry"
	"github.com/hector-engine/core/toolregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentExecutor(t *testing.T, agentName string) *agentexecutor.AgentExecutor {
	t.Helper()
	specs := specregistry.NewSpecRegistry(specregistry.DefaultOptions())
	require.NoError(t, specs.Register(specregistry.AgentSpec{Name: agentName, SystemPrompt: "echo verbatim"}, false))
	return agentexecutor.New(agentexecutor.Options{Specs: specs, Tools: toolregistry.NewToolRegistry()})
}

func TestWorkflowEngine_SingleAgentStepHappyPath(t *testing.T) {
	exec := newAgentExecutor(t, "echoer")
	bus := eventbus.NewEventBus(eventbus.DefaultOptions())
	ch, unsub := bus.Subscribe()
	defer unsub()

	engine := New(Options{AgentExecutor: exec, Tools: toolregistry.NewToolRegistry(), Events: bus})

	w := Workflow{
		Name: "greet",
		Steps: []Step{
			{ID: "s1", Kind: KindAgentStep, AgentName: "echoer", Task: "hello",
				Provider: &providerport.AnthropicShapedStub{Model: "stub-1"}},
		},
	}

	ec, err := engine.Execute(context.Background(), w, nil, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompleted, ec.Status())

	rec, ok := ec.Result("s1")
	require.True(t, ok)
	assert.Equal(t, StepCompleted, rec.Status)

	var started, completed int
	draining := true
	for draining {
		select {
		case evt := <-ch:
			if evt.Kind == eventbus.KindWorkflowStepStarted {
				started++
			}
			if evt.Kind == eventbus.KindWorkflowStepDone {
				completed++
				assert.Equal(t, 1, started, "step.started must precede step.completed")
			}
		case <-time.After(200 * time.Millisecond):
			draining = false
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
}

func TestWorkflowEngine_ValidateRejectsCycle(t *testing.T) {
	w := Workflow{
		Name: "cyclic",
		Steps: []Step{
			{ID: "a", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"b"}},
			{ID: "b", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"a"}},
		},
	}
	err := Validate(w)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindCycle, coreerrors.KindOf(err))
}

func TestWorkflowEngine_ValidateRejectsUndeclaredDependency(t *testing.T) {
	w := Workflow{
		Name: "dangling",
		Steps: []Step{
			{ID: "a", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"ghost"}},
		},
	}
	err := Validate(w)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindInvalidWorkflow, coreerrors.KindOf(err))
}

// slowEchoTool blocks until cancelled or sleepFor elapses, whichever first,
// so fail-fast sibling cancellation can be observed without a long test.
func slowEchoTool(sleepFor time.Duration) toolregistry.Handler {
	return func(ctx context.Context, args map[string]interface{}) (toolregistry.Result, error) {
		select {
		case <-time.After(sleepFor):
			return toolregistry.Result{Success: true, Content: "done"}, nil
		case <-ctx.Done():
			return toolregistry.Result{}, ctx.Err()
		}
	}
}

func failingTool(kind coreerrors.Kind) toolregistry.Handler {
	return func(ctx context.Context, args map[string]interface{}) (toolregistry.Result, error) {
		return toolregistry.Result{}, coreerrors.New("test", "Invoke", kind, "injected non-retryable failure", nil)
	}
}

func TestWorkflowEngine_ParallelFanOutFailFastCancelsSiblings(t *testing.T) {
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "slow", SideEffect: toolregistry.SideEffectPure},
		slowEchoTool(2*time.Second)))
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "boom", SideEffect: toolregistry.SideEffectPure},
		failingTool(coreerrors.KindBadRequest)))

	engine := New(Options{Tools: tools})

	w := Workflow{
		Name:          "fanout",
		FailurePolicy: FailFast,
		Steps: []Step{
			{ID: "p1", Kind: KindToolStep, ToolName: "slow"},
			{ID: "p2", Kind: KindToolStep, ToolName: "boom"},
			{ID: "p3", Kind: KindToolStep, ToolName: "slow"},
		},
	}

	start := time.Now()
	ec, err := engine.Execute(context.Background(), w, nil, "corr-4")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, WorkflowFailed, ec.Status())
	assert.Less(t, elapsed, 500*time.Millisecond, "fail-fast must cancel siblings instead of waiting out their full duration")

	p1, _ := ec.Result("p1")
	p2, _ := ec.Result("p2")
	p3, _ := ec.Result("p3")
	assert.Equal(t, StepCancelled, p1.Status)
	assert.Equal(t, StepFailed, p2.Status)
	assert.Equal(t, StepCancelled, p3.Status)
}

func TestWorkflowEngine_ContinueOnErrorSkipsDownstreamOfFailure(t *testing.T) {
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "boom", SideEffect: toolregistry.SideEffectPure},
		failingTool(coreerrors.KindBadRequest)))
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "noop", SideEffect: toolregistry.SideEffectPure},
		func(ctx context.Context, args map[string]interface{}) (toolregistry.Result, error) {
			return toolregistry.Result{Success: true, Content: "ok"}, nil
		}))

	engine := New(Options{Tools: tools})

	w := Workflow{
		Name:          "chain",
		FailurePolicy: ContinueOnError,
		Steps: []Step{
			{ID: "a", Kind: KindToolStep, ToolName: "boom"},
			{ID: "b", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"a"}},
			{ID: "c", Kind: KindToolStep, ToolName: "noop"},
		},
	}

	ec, err := engine.Execute(context.Background(), w, nil, "corr-5")
	require.Error(t, err)
	assert.Equal(t, WorkflowFailed, ec.Status())

	a, _ := ec.Result("a")
	b, _ := ec.Result("b")
	c, _ := ec.Result("c")
	assert.Equal(t, StepFailed, a.Status)
	assert.Equal(t, StepSkipped, b.Status, "b depends on failed a and must be skipped, not executed")
	assert.Equal(t, StepCompleted, c.Status, "c has no dependency on a and must still run")
}

func TestWorkflowEngine_StepDeadlineProducesWorkflowTimeoutStatus(t *testing.T) {
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "slow", SideEffect: toolregistry.SideEffectPure},
		slowEchoTool(2*time.Second)))

	engine := New(Options{Tools: tools})

	w := Workflow{
		Name: "deadline",
		Steps: []Step{
			{ID: "s1", Kind: KindToolStep, ToolName: "slow", Timeout: 50 * time.Millisecond},
		},
	}

	ec, err := engine.Execute(context.Background(), w, nil, "corr-7")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindTimeout, coreerrors.KindOf(err))
	assert.Equal(t, WorkflowTimeout, ec.Status(), "a step deadline must surface as WorkflowTimeout, not WorkflowCancelled/WorkflowFailed")

	s1, _ := ec.Result("s1")
	assert.Equal(t, StepCancelled, s1.Status)
	assert.Equal(t, coreerrors.KindTimeout, s1.Kind)
}

func TestWorkflowEngine_ExternalCancellationProducesWorkflowCancelledStatus(t *testing.T) {
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "slow", SideEffect: toolregistry.SideEffectPure},
		slowEchoTool(2*time.Second)))

	engine := New(Options{Tools: tools})

	w := Workflow{
		Name: "external-cancel",
		Steps: []Step{
			{ID: "s1", Kind: KindToolStep, ToolName: "slow"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	ec, err := engine.Execute(ctx, w, nil, "corr-8")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindCancelled, coreerrors.KindOf(err))
	assert.Equal(t, WorkflowCancelled, ec.Status())
}

func TestWorkflowEngine_BranchActivatesOneSuccessorAndSkipsOthers(t *testing.T) {
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{Name: "noop", SideEffect: toolregistry.SideEffectPure},
		func(ctx context.Context, args map[string]interface{}) (toolregistry.Result, error) {
			return toolregistry.Result{Success: true, Content: "ok"}, nil
		}))

	engine := New(Options{Tools: tools})

	w := Workflow{
		Name: "branching",
		Steps: []Step{
			{ID: "gate", Kind: KindBranchStep, Branches: []BranchCase{
				{Condition: Condition{OutputKey: "inputs.route", Equals: "left"}, Then: "left"},
				{Condition: Condition{OutputKey: "inputs.route", Equals: "right"}, Then: "right"},
			}},
			{ID: "left", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"gate"}},
			{ID: "right", Kind: KindToolStep, ToolName: "noop", DependsOn: []string{"gate"}},
		},
	}

	ec, err := engine.Execute(context.Background(), w, map[string]interface{}{"route": "left"}, "corr-6")
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompleted, ec.Status())

	left, _ := ec.Result("left")
	right, _ := ec.Result("right")
	assert.Equal(t, StepCompleted, left.Status)
	assert.Equal(t, StepSkipped, right.Status)
}

package agentexecutor

import (
	"context"
	"testing"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/llms"
	"github.com/hector-engine/core/memory"
	"github.com/hector-engine/core/providerport"
	"github.com/hector-engine/core/specregistry"
	"github.com/hector-engine/core/toolregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpecs(t *testing.T, spec specregistry.AgentSpec) *specregistry.SpecRegistry {
	t.Helper()
	r := specregistry.NewSpecRegistry(specregistry.DefaultOptions())
	require.NoError(t, r.Register(spec, false))
	return r
}

// failThenStubProvider fails n times with kind before delegating to stub.
type failThenStubProvider struct {
	failures int
	kind     coreerrors.Kind
	stub     providerport.Port
	calls    int
}

func (p *failThenStubProvider) Complete(ctx context.Context, req providerport.Request) (providerport.Response, error) {
	p.calls++
	if p.calls <= p.failures {
		return providerport.Response{}, coreerrors.New("test", "Complete", p.kind, "injected failure", nil)
	}
	return p.stub.Complete(ctx, req)
}
func (p *failThenStubProvider) Stream(ctx context.Context, req providerport.Request) (<-chan llms.StreamChunk, error) {
	return p.stub.Stream(ctx, req)
}
func (p *failThenStubProvider) Capabilities() providerport.Capabilities { return p.stub.Capabilities() }

func TestAgentExecutor_SingleStepHappyPath(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "echoer", SystemPrompt: "echo verbatim"})
	tools := toolregistry.NewToolRegistry()
	bus := eventbus.NewEventBus(eventbus.DefaultOptions())
	ch, unsub := bus.Subscribe()
	defer unsub()

	exec := New(Options{Specs: specs, Tools: tools, Events: bus})
	stub := &providerport.AnthropicShapedStub{Model: "stub-1"}

	result, err := exec.Execute(context.Background(), Task{
		AgentName: "echoer", Task: "hello", CorrelationID: "exec-1",
	}, stub)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "hello")

	var sawStarted, sawCompleted bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			if evt.Kind == eventbus.KindAgentTurnStarted {
				sawStarted = true
			}
			if evt.Kind == eventbus.KindAgentTurnCompleted {
				assert.True(t, sawStarted, "started must precede completed")
				sawCompleted = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	assert.True(t, sawStarted)
	assert.True(t, sawCompleted)
}

func TestAgentExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "echoer", SystemPrompt: "echo"})
	tools := toolregistry.NewToolRegistry()
	exec := New(Options{
		Specs: specs, Tools: tools,
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, Jitter: 0},
	})

	provider := &failThenStubProvider{
		failures: 2, kind: coreerrors.KindTransient,
		stub: &providerport.AnthropicShapedStub{Model: "stub-1"},
	}

	result, err := exec.Execute(context.Background(), Task{AgentName: "echoer", Task: "hi"}, provider)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, provider.calls)
}

func TestAgentExecutor_NonRetryableFailurePropagatesImmediately(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "echoer", SystemPrompt: "echo"})
	tools := toolregistry.NewToolRegistry()
	exec := New(Options{Specs: specs, Tools: tools})

	provider := &failThenStubProvider{
		failures: 10, kind: coreerrors.KindAuth,
		stub: &providerport.AnthropicShapedStub{Model: "stub-1"},
	}

	_, err := exec.Execute(context.Background(), Task{AgentName: "echoer", Task: "hi"}, provider)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindAuth, coreerrors.KindOf(err))
	assert.Equal(t, 1, provider.calls)
}

func TestAgentExecutor_ToolCallLoopInvokesRegistryAndContinues(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "caller", SystemPrompt: "use tools", Tools: []string{"echo_tool"}})
	tools := toolregistry.NewToolRegistry()
	require.NoError(t, tools.Register(toolregistry.Descriptor{
		Name: "echo_tool", SideEffect: toolregistry.SideEffectPure,
		Parameters: map[string]toolregistry.ParamSpec{"text": {Type: "string", Required: true}},
	}, func(ctx context.Context, args map[string]interface{}) (toolregistry.Result, error) {
		return toolregistry.Result{Success: true, Content: "tool said: " + args["text"].(string)}, nil
	}))

	provider := &providerport.OpenAIShapedStub{
		Model: "stub-1",
		NextToolCall: &llms.ToolCall{ID: "call-1", Name: "echo_tool", Arguments: map[string]interface{}{"text": "hi"}},
	}

	exec := New(Options{Specs: specs, Tools: tools})
	result, err := exec.Execute(context.Background(), Task{AgentName: "caller", Task: "please call the tool"}, provider)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	var sawToolResult bool
	for _, m := range result.Transcript {
		if m.Role == "tool" && m.Content == "tool said: hi" {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult, "expected tool result message in transcript")
}

func TestAgentExecutor_CancellationYieldsCancelledKind(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "echoer", SystemPrompt: "echo"})
	tools := toolregistry.NewToolRegistry()
	exec := New(Options{Specs: specs, Tools: tools})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Execute(ctx, Task{AgentName: "echoer", Task: "hi"}, &providerport.AnthropicShapedStub{Model: "stub-1"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindCancelled, result.Kind)
}

func TestAgentExecutor_HistorySeedsTranscriptAndRecordsTurn(t *testing.T) {
	specs := newSpecs(t, specregistry.AgentSpec{Name: "echoer", SystemPrompt: "echo"})
	tools := toolregistry.NewToolRegistry()
	exec := New(Options{Specs: specs, Tools: tools})

	hist, err := memory.NewConversationHistory("sess-1")
	require.NoError(t, err)
	_, err = hist.AddUserMessage("earlier question", nil)
	require.NoError(t, err)
	_, err = hist.AddAssistantMessage("earlier answer", nil)
	require.NoError(t, err)

	provider := &providerport.AnthropicShapedStub{Model: "stub-1"}
	result, err := exec.Execute(context.Background(), Task{AgentName: "echoer", Task: "follow up", History: hist}, provider)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	var sawEarlier bool
	for _, m := range result.Transcript {
		if m.Content == "earlier answer" {
			sawEarlier = true
		}
	}
	assert.True(t, sawEarlier, "expected history to seed the transcript")
	assert.Equal(t, 4, hist.GetMessageCount(), "expected this turn's user+assistant messages appended")
}

func TestAgentExecutor_UnknownAgentFailsNotFound(t *testing.T) {
	specs := specregistry.NewSpecRegistry(specregistry.DefaultOptions())
	tools := toolregistry.NewToolRegistry()
	exec := New(Options{Specs: specs, Tools: tools})

	_, err := exec.Execute(context.Background(), Task{AgentName: "ghost", Task: "hi"}, &providerport.AnthropicShapedStub{Model: "stub-1"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}

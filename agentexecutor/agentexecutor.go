// Package agentexecutor runs one agent turn end-to-end (spec.md §4.4):
// resolve the EffectiveSpec, build the initial transcript, loop completion
// requests against a ProviderPort honoring tool calls, retry transient
// provider failures with jittered exponential backoff, and emit lifecycle
// events along the way. The iteration/cancellation/tool-dispatch shape is
// generalized from agent.Agent.execute and executeTools; the retry-backoff
// numbers are grounded on llms/anthropic.go's RateLimitInfo-driven retry
// strategy (base 1s, factor 2, max 30s, jitter), made uniform across
// providers instead of being Anthropic-specific.
package agentexecutor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/llms"
	"github.com/hector-engine/core/memory"
	"github.com/hector-engine/core/providerport"
	"github.com/hector-engine/core/specregistry"
	"github.com/hector-engine/core/toolregistry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const component = "AgentExecutor"

var tracer = otel.Tracer("hector.agentexecutor")

// Status is a StepResult's terminal outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RetryPolicy configures AgentExecutor's local retry loop for transient
// provider failures, per §4.4 step 4f.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultRetryPolicy returns the documented defaults: base 1s, factor 2,
// max 30s, jitter ±20%, up to 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

// Options bundles AgentExecutor's dependencies and tunables.
type Options struct {
	Specs   *specregistry.SpecRegistry
	Tools   *toolregistry.ToolRegistry
	Events  *eventbus.EventBus
	Policy  PolicyContext
	Retry   RetryPolicy
	// MaxToolIterations bounds the tool-call loop of step 4d to prevent a
	// misbehaving provider from looping forever.
	MaxToolIterations int
	// MaxContinuations bounds how many times a `length` finish reason may be
	// continued (step 4e) before the turn breaks with a truncation marker.
	MaxContinuations int
}

// PolicyContext is passed through to every ToolRegistry.Invoke call.
type PolicyContext = toolregistry.PolicyContext

// Usage mirrors providerport.Usage, accumulated across every completion
// request made during the turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StepResult is Execute's return value.
type StepResult struct {
	Status     Status
	Output     string
	Kind       coreerrors.Kind
	Usage      Usage
	Transcript []llms.Message
	Attempts   int
}

// Task is one agent-turn request.
type Task struct {
	AgentName     string
	Task          string
	Inputs        map[string]interface{}
	CorrelationID string
	// Timeout, if non-zero, is this step's declared timeout; the effective
	// deadline is min(this, ctx's deadline, provider's hard ceiling).
	Timeout time.Duration
	// History, if set, seeds the transcript with prior turns and is updated
	// with this turn's task/output once Execute returns.
	History *memory.ConversationHistory
}

// AgentExecutor executes one agent turn against a ProviderPort.
type AgentExecutor struct {
	opts Options
}

// New constructs an AgentExecutor.
func New(opts Options) *AgentExecutor {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 25
	}
	if opts.MaxContinuations <= 0 {
		opts.MaxContinuations = 3
	}
	return &AgentExecutor{opts: opts}
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// Execute runs one agent turn to completion, per spec.md §4.4's algorithm.
func (e *AgentExecutor) Execute(ctx context.Context, task Task, provider providerport.Port) (StepResult, error) {
	ctx, span := tracer.Start(ctx, "agentexecutor.Execute",
		trace.WithAttributes(
			attribute.String("agent.name", task.AgentName),
			attribute.String("correlation_id", task.CorrelationID),
		))
	defer span.End()

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	e.opts.Specs.Acquire(task.AgentName)
	defer e.opts.Specs.Release(task.AgentName)

	spec, err := e.opts.Specs.Resolve(task.AgentName)
	if err != nil {
		return StepResult{Status: StatusFailed, Kind: coreerrors.KindOf(err)}, err
	}

	e.publish(eventbus.KindAgentTurnStarted, task.CorrelationID, map[string]interface{}{
		"agent": task.AgentName,
	})

	transcript := []llms.Message{{Role: "system", Content: spec.SystemPrompt}}
	if task.History != nil {
		transcript = append(transcript, task.History.ToLLMMessages(0)...)
	}
	transcript = append(transcript, llms.Message{Role: "user", Content: renderTask(task)})

	toolDefs := toolDefinitions(e.opts.Tools, spec.Tools)

	result, err := e.loop(ctx, spec.Model, spec.Temperature, spec.MaxTokens, transcript, toolDefs, provider, task)
	if err != nil {
		e.publish(eventbus.KindAgentTurnFailed, task.CorrelationID, map[string]interface{}{
			"agent": task.AgentName, "kind": string(result.Kind),
		})
		return result, err
	}

	if task.History != nil {
		_, _ = task.History.AddUserMessage(task.Task, nil)
		if result.Output != "" {
			_, _ = task.History.AddAssistantMessage(result.Output, nil)
		}
	}

	e.publish(eventbus.KindAgentTurnCompleted, task.CorrelationID, map[string]interface{}{
		"agent": task.AgentName, "tokens": result.Usage.TotalTokens,
	})
	return result, nil
}

func (e *AgentExecutor) publish(kind eventbus.Kind, correlationID string, payload interface{}) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(eventbus.Event{Kind: kind, CorrelationID: correlationID, Payload: payload})
}

// loop implements steps 4a-4f: request, branch on finish reason, retry
// transient failures, dispatch tool calls, bound continuations.
func (e *AgentExecutor) loop(
	ctx context.Context,
	model string,
	temperature float64,
	maxTokens int,
	transcript []llms.Message,
	toolDefs []llms.ToolDefinition,
	provider providerport.Port,
	task Task,
) (StepResult, error) {
	var usage Usage
	continuations := 0

	for toolIter := 0; ; toolIter++ {
		if toolIter > e.opts.MaxToolIterations {
			return StepResult{Status: StatusFailed, Kind: coreerrors.KindInvalidWorkflow, Transcript: transcript},
				newErr("Execute", coreerrors.KindInvalidWorkflow, "exceeded max tool-call iterations", nil)
		}

		select {
		case <-ctx.Done():
			return StepResult{Status: StatusFailed, Kind: coreerrors.KindCancelled, Transcript: transcript, Usage: usage},
				newErr("Execute", coreerrors.KindCancelled, "turn cancelled", ctx.Err())
		default:
		}

		resp, attempts, err := e.completeWithRetry(ctx, providerport.Request{
			Model: model, Messages: transcript, Tools: toolDefs,
			Temperature: temperature, MaxTokens: maxTokens,
		}, provider)
		if err != nil {
			kind := providerport.ClassifyError(err)
			return StepResult{Status: StatusFailed, Kind: kind, Transcript: transcript, Usage: usage, Attempts: attempts}, err
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		transcript = append(transcript, resp.Message)

		switch resp.FinishReason {
		case providerport.FinishStop:
			return StepResult{
				Status: StatusCompleted, Output: resp.Message.Content,
				Usage: usage, Transcript: transcript, Attempts: attempts,
			}, nil

		case providerport.FinishToolCall:
			for _, tc := range resp.Message.ToolCalls {
				result, terr := e.opts.Tools.Invoke(ctx, tc.Name, tc.Arguments, e.opts.Policy)
				content := result.Content
				if terr != nil {
					content = fmt.Sprintf("error: %v", terr)
				}
				transcript = append(transcript, llms.Message{
					Role: "tool", Content: content, ToolCallID: tc.ID, Name: tc.Name,
				})
			}
			continue

		case providerport.FinishLength:
			continuations++
			if continuations > e.opts.MaxContinuations {
				return StepResult{
					Status: StatusCompleted, Output: resp.Message.Content + "\n[truncated]",
					Usage: usage, Transcript: transcript, Attempts: attempts,
				}, nil
			}
			transcript = append(transcript, llms.Message{Role: "user", Content: "continue"})
			continue

		default:
			return StepResult{Status: StatusFailed, Kind: coreerrors.KindBadRequest, Transcript: transcript, Usage: usage},
				newErr("Execute", coreerrors.KindBadRequest, fmt.Sprintf("unrecognized finish reason %q", resp.FinishReason), nil)
		}
	}
}

// completeWithRetry calls provider.Complete, retrying rate_limited/transient/
// timeout failures with jittered exponential backoff (step 4f). The attempt
// counter resets only on success - each call to completeWithRetry starts
// fresh, matching the spec's "resets the attempt counter only on success".
func (e *AgentExecutor) completeWithRetry(ctx context.Context, req providerport.Request, provider providerport.Port) (providerport.Response, int, error) {
	policy := e.opts.Retry
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		kind := providerport.ClassifyError(err)
		if !isRetryableProviderKind(kind) || attempt == policy.MaxAttempts {
			return providerport.Response{}, attempt, err
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return providerport.Response{}, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return providerport.Response{}, policy.MaxAttempts, lastErr
}

func isRetryableProviderKind(kind coreerrors.Kind) bool {
	switch kind {
	case coreerrors.KindRateLimited, coreerrors.KindTransient, coreerrors.KindTimeout:
		return true
	default:
		return false
	}
}

// backoffDelay computes base * factor^(attempt-1), capped at MaxDelay, with
// +/-Jitter fractional noise applied.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	d := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= policy.Factor
	}
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && d > max {
		d = max
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

func renderTask(task Task) string {
	if len(task.Inputs) == 0 {
		return task.Task
	}
	rendered := task.Task
	for k, v := range task.Inputs {
		rendered += fmt.Sprintf("\n%s: %v", k, v)
	}
	return rendered
}

func toolDefinitions(registry *toolregistry.ToolRegistry, names []string) []llms.ToolDefinition {
	if registry == nil || len(names) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	var defs []llms.ToolDefinition
	for _, d := range registry.Describe() {
		if !allowed[d.Name] {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schemaToParameters(d),
		})
	}
	return defs
}

func schemaToParameters(d toolregistry.Descriptor) map[string]interface{} {
	params := make(map[string]interface{}, len(d.Parameters))
	for name, spec := range d.Parameters {
		params[name] = map[string]interface{}{"type": spec.Type, "required": spec.Required}
	}
	return params
}

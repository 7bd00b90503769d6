package providerport

import (
	"context"
	"errors"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/llms"
)

// LLMAdapter wraps a llms.LLMProvider (Ollama/OpenAI/Anthropic) so it
// satisfies Port. It lives here rather than in package llms because
// providerport already imports llms for the shared Message/ToolDefinition
// types; llms importing providerport back would be a cycle.
type LLMAdapter struct {
	Provider llms.LLMProvider
	// SupportsTools overrides whether Capabilities advertises tool-calling
	// support. Ollama's prompt-only API never does.
	SupportsTools bool
}

// NewLLMAdapter wraps provider, defaulting SupportsTools to true (the
// OpenAI/Anthropic shape); construct the struct literal directly for
// providers like Ollama that don't support tool calls.
func NewLLMAdapter(provider llms.LLMProvider) *LLMAdapter {
	return &LLMAdapter{Provider: provider, SupportsTools: true}
}

func classifyCtxErr(err error) coreerrors.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.KindTimeout
	}
	return coreerrors.KindCancelled
}

func (a *LLMAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, NewError("LLMAdapter", "Complete", classifyCtxErr(ctx.Err()), "context done", ctx.Err())
	default:
	}

	text, toolCalls, tokens, err := a.Provider.Generate(req.Messages, req.Tools)
	if err != nil {
		return Response{}, NewError("LLMAdapter", "Complete", ClassifyError(err), err.Error(), err)
	}

	finish := FinishStop
	if len(toolCalls) > 0 {
		finish = FinishToolCall
	}

	return Response{
		Message:      llms.Message{Role: "assistant", Content: text, ToolCalls: toolCalls},
		FinishReason: finish,
		Usage:        Usage{TotalTokens: tokens},
	}, nil
}

// Stream checks ctx only before starting the call and returns the
// provider's own channel unchanged. That channel closes when the provider
// finishes; cancelling ctx afterwards neither closes it nor stops the
// provider's request.
func (a *LLMAdapter) Stream(ctx context.Context, req Request) (<-chan llms.StreamChunk, error) {
	select {
	case <-ctx.Done():
		return nil, NewError("LLMAdapter", "Stream", classifyCtxErr(ctx.Err()), "context done", ctx.Err())
	default:
	}
	return a.Provider.GenerateStreaming(req.Messages, req.Tools)
}

func (a *LLMAdapter) Capabilities() Capabilities {
	return Capabilities{
		ModelIDs:       []string{a.Provider.GetModelName()},
		SupportsTools:  a.SupportsTools,
		SupportsStream: true,
	}
}

package providerport

import (
	"context"

	"github.com/hector-engine/core/llms"
)

// AnthropicShapedStub is a thin, test-only adapter shaped like the teacher's
// AnthropicProvider (single default model, no tool-choice negotiation),
// generalized to the Port contract. It never calls a real API; Complete
// and Stream deterministically echo the last user message back, which is
// enough to exercise AgentExecutor/WorkflowEngine end to end without a
// live vendor SDK (vendor SDKs are out of scope per spec.md §1).
type AnthropicShapedStub struct {
	Model string
}

func NewAnthropicShapedStub(model string) *AnthropicShapedStub {
	if model == "" {
		model = "claude-3-5-sonnet"
	}
	return &AnthropicShapedStub{Model: model}
}

func (s *AnthropicShapedStub) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, NewError("AnthropicShapedStub", "Complete", "cancelled", "context cancelled", ctx.Err())
	default:
	}
	text := lastUserText(req.Messages)
	return Response{
		Message:      llms.Message{Role: "assistant", Content: text},
		FinishReason: FinishStop,
		Usage:        Usage{PromptTokens: len(text), CompletionTokens: len(text), TotalTokens: 2 * len(text)},
	}, nil
}

func (s *AnthropicShapedStub) Stream(ctx context.Context, req Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 1)
	go func() {
		defer close(ch)
		text := lastUserText(req.Messages)
		select {
		case ch <- llms.StreamChunk{Type: "text", Text: text}:
		case <-ctx.Done():
			return
		}
		ch <- llms.StreamChunk{Type: "done", Tokens: len(text)}
	}()
	return ch, nil
}

func (s *AnthropicShapedStub) Capabilities() Capabilities {
	return Capabilities{ModelIDs: []string{s.Model}, SupportsTools: true, SupportsStream: true}
}

// OpenAIShapedStub mirrors the teacher's OpenAI provider shape (function-
// calling via a tool_calls array on the assistant message) for contract
// tests that exercise AgentExecutor's tool-dispatch branch.
type OpenAIShapedStub struct {
	Model        string
	NextToolCall *llms.ToolCall // if set, the next Complete returns this tool call once
}

func NewOpenAIShapedStub(model string) *OpenAIShapedStub {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIShapedStub{Model: model}
}

func (s *OpenAIShapedStub) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, NewError("OpenAIShapedStub", "Complete", "cancelled", "context cancelled", ctx.Err())
	default:
	}
	if s.NextToolCall != nil {
		call := *s.NextToolCall
		s.NextToolCall = nil
		return Response{
			Message:      llms.Message{Role: "assistant", ToolCalls: []llms.ToolCall{call}},
			FinishReason: FinishToolCall,
		}, nil
	}
	text := lastUserText(req.Messages)
	return Response{
		Message:      llms.Message{Role: "assistant", Content: text},
		FinishReason: FinishStop,
		Usage:        Usage{PromptTokens: len(text), CompletionTokens: len(text), TotalTokens: 2 * len(text)},
	}, nil
}

func (s *OpenAIShapedStub) Stream(ctx context.Context, req Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 1)
	go func() {
		defer close(ch)
		text := lastUserText(req.Messages)
		select {
		case ch <- llms.StreamChunk{Type: "text", Text: text}:
		case <-ctx.Done():
			return
		}
		select {
		case ch <- llms.StreamChunk{Type: "done", Tokens: len(text)}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (s *OpenAIShapedStub) Capabilities() Capabilities {
	return Capabilities{ModelIDs: []string{s.Model}, SupportsTools: true, SupportsStream: true}
}

func lastUserText(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// Package providerport defines the capability contract AgentExecutor uses
// to talk to any LLM backend (§4.2), plus error classification for the
// retry loop. It ships no vendor SDK client; vendor clients are out of
// scope (spec.md §1) and are supplied by the caller.
package providerport

import (
	"context"
	"net/http"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/llms"
)

// FinishReason is the terminal reason a Complete/Stream call ended.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolCall FinishReason = "tool_call"
	FinishError    FinishReason = "error"
)

// Usage is token accounting for one completion. Pricing is left to
// external observers per §9's Open Question decision.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is the uniform input to Complete/Stream.
type Request struct {
	Model       string
	Messages    []llms.Message
	Tools       []llms.ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the uniform output of Complete.
type Response struct {
	Message      llms.Message
	FinishReason FinishReason
	Usage        Usage
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	ModelIDs       []string
	SupportsTools  bool
	SupportsStream bool
}

// Port is the capability contract every provider adapter implements.
// Stream's channel closes after the final sentinel chunk (Type: "done")
// or on cancellation of ctx, whichever happens first.
type Port interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan llms.StreamChunk, error)
	Capabilities() Capabilities
}

// ClassifyError maps a provider-reported failure to an error Kind so
// AgentExecutor's retry loop can decide whether to retry. Adapters should
// wrap raw transport/HTTP errors through this before returning them.
func ClassifyError(err error) coreerrors.Kind {
	if kind := coreerrors.KindOf(err); kind != "" {
		return kind
	}
	return coreerrors.KindTransient
}

// ClassifyHTTPStatus maps an HTTP status code to an error Kind, grounded on
// the teacher's getRetryStrategy/isRetryableError status-code switch.
func ClassifyHTTPStatus(statusCode int) coreerrors.Kind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return coreerrors.KindRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return coreerrors.KindAuth
	case statusCode == http.StatusPaymentRequired:
		return coreerrors.KindQuotaExceeded
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return coreerrors.KindTimeout
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return coreerrors.KindBadRequest
	case statusCode == http.StatusServiceUnavailable || statusCode == http.StatusBadGateway || statusCode >= 500:
		return coreerrors.KindTransient
	case statusCode == http.StatusNotFound:
		return coreerrors.KindModelUnavailable
	default:
		return coreerrors.KindTransient
	}
}

// NewError wraps an adapter-level failure with a Kind, for Complete/Stream
// implementations to return.
func NewError(component, op string, kind coreerrors.Kind, message string, err error) error {
	return coreerrors.New(component, op, kind, message, err)
}

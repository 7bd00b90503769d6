package providerport

import (
	"context"
	"net/http"
	"testing"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   coreerrors.Kind
	}{
		{http.StatusTooManyRequests, coreerrors.KindRateLimited},
		{http.StatusUnauthorized, coreerrors.KindAuth},
		{http.StatusPaymentRequired, coreerrors.KindQuotaExceeded},
		{http.StatusRequestTimeout, coreerrors.KindTimeout},
		{http.StatusBadRequest, coreerrors.KindBadRequest},
		{http.StatusServiceUnavailable, coreerrors.KindTransient},
		{http.StatusNotFound, coreerrors.KindModelUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHTTPStatus(tt.status))
	}
}

func TestAnthropicShapedStub_Complete(t *testing.T) {
	p := NewAnthropicShapedStub("")
	resp, err := p.Complete(context.Background(), Request{
		Messages: []llms.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, "hello", resp.Message.Content)
}

func TestOpenAIShapedStub_ToolCall(t *testing.T) {
	p := NewOpenAIShapedStub("")
	p.NextToolCall = &llms.ToolCall{ID: "call-1", Name: "search"}

	resp, err := p.Complete(context.Background(), Request{
		Messages: []llms.Message{{Role: "user", Content: "find it"}},
	})
	require.NoError(t, err)
	assert.Equal(t, FinishToolCall, resp.FinishReason)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "search", resp.Message.ToolCalls[0].Name)

	// second call falls back to plain text since NextToolCall was consumed
	resp2, err := p.Complete(context.Background(), Request{
		Messages: []llms.Message{{Role: "user", Content: "find it"}},
	})
	require.NoError(t, err)
	assert.Equal(t, FinishStop, resp2.FinishReason)
}

func TestAnthropicShapedStub_Stream(t *testing.T) {
	p := NewAnthropicShapedStub("")
	ch, err := p.Stream(context.Background(), Request{
		Messages: []llms.Message{{Role: "user", Content: "stream me"}},
	})
	require.NoError(t, err)

	var chunks []llms.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "text", chunks[0].Type)
	assert.Equal(t, "done", chunks[1].Type)
}

func TestComplete_RespectsCancellation(t *testing.T) {
	p := NewAnthropicShapedStub("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.Kind("cancelled"), coreerrors.KindOf(err))
}

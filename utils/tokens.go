package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ============================================================================
// TOKEN UTILITIES
// ============================================================================

// EstimateTokens provides a rough token estimation, for providers (Ollama)
// that report no usage and whose tokenizer tiktoken doesn't model.
func EstimateTokens(text string) int {
	// Rough estimation: 4 characters per token
	return len(text) / 4
}

// TokenCounter gives an accurate, cached tiktoken-backed token count for a
// specific model, falling back to cl100k_base for models tiktoken doesn't
// recognize directly.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter returns a counter for model, reusing a cached encoding
// across calls for the same model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tiktoken encoding for %q: %w", model, err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the exact token count for text under this counter's model.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts a transcript's tokens using OpenAI's per-message
// overhead convention (3 tokens of framing per message, plus 3 for the
// reply primer).
func (tc *TokenCounter) CountMessages(roles, contents []string) int {
	total := 3
	for i := range contents {
		total += 3
		if i < len(roles) {
			total += len(tc.encoding.Encode(roles[i], nil, nil))
		}
		total += len(tc.encoding.Encode(contents[i], nil, nil))
	}
	return total
}

// GetModel returns the model name this counter is configured for.
func (tc *TokenCounter) GetModel() string { return tc.model }

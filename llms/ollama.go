package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hector-engine/core/config"
	"github.com/hector-engine/core/ollama"
	"github.com/hector-engine/core/utils"
)

// ============================================================================
// OLLAMA LLM PROVIDER CONFIGURATION
// ============================================================================

// OllamaProvider uses the new LLMProviderConfig from config/types.go

// ============================================================================
// OLLAMA LLM PROVIDER IMPLEMENTATION
// ============================================================================

// OllamaProvider implements LLMProvider for Ollama
type OllamaProvider struct {
	config *config.LLMProviderConfig // Hold the config object
	client *ollama.Client            // Shared Ollama client
}

// NewOllamaProvider creates a new Ollama LLM provider
func NewOllamaProvider(model string) *OllamaProvider {
	config := &config.LLMProviderConfig{
		Type:        "ollama",
		Model:       model,
		Host:        "http://localhost:11434",
		Temperature: 0.7,
		MaxTokens:   1000,
		Timeout:     60,
	}

	provider, _ := NewOllamaProviderFromConfig(config)
	return provider
}

// NewOllamaProviderFromConfig creates a new Ollama provider from config
func NewOllamaProviderFromConfig(config *config.LLMProviderConfig) (*OllamaProvider, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &OllamaProvider{
		config: config,
		client: ollama.NewClientWithTimeout(config.Host, time.Duration(config.Timeout)*time.Second),
	}, nil
}

// WithBaseURL sets the Ollama base URL
func (o *OllamaProvider) WithBaseURL(url string) *OllamaProvider {
	o.config.Host = url
	return o
}

// WithTemperature sets the temperature
func (o *OllamaProvider) WithTemperature(temp float64) *OllamaProvider {
	o.config.Temperature = temp
	return o
}

// WithMaxTokens sets the maximum tokens
func (o *OllamaProvider) WithMaxTokens(tokens int) *OllamaProvider {
	o.config.MaxTokens = tokens
	return o
}

// Generate implements LLMProvider.Generate. The /api/generate endpoint
// takes a single prompt string and has no native tool-calling support, so
// the transcript is flattened and no ToolCalls are ever returned.
func (o *OllamaProvider) Generate(messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	prompt := flattenMessages(messages)
	response, err := o.callOllamaAPI(prompt)
	if err != nil {
		return "", nil, 0, err
	}

	return response, nil, countTokens(o.config.Model, response), nil
}

// GenerateStreaming implements LLMProvider.GenerateStreaming
func (o *OllamaProvider) GenerateStreaming(messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	prompt := flattenMessages(messages)
	ch := make(chan StreamChunk, 100)

	go func() {
		defer close(ch)

		tokens := 0
		err := o.callOllamaStreamingAPI(prompt, func(text string) {
			tokens += countTokens(o.config.Model, text)
			ch <- StreamChunk{Type: "text", Text: text}
		})
		if err != nil {
			ch <- StreamChunk{Type: "error", Error: err}
			return
		}
		ch <- StreamChunk{Type: "done", Tokens: tokens}
	}()

	return ch, nil
}

// countTokens counts text with a tiktoken encoding for model, falling back
// to the rough char/4 estimate if no encoding could be resolved. Ollama
// reports no token usage itself, so callers here always need an estimate.
func countTokens(model, text string) int {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return utils.EstimateTokens(text)
	}
	return counter.Count(text)
}

// flattenMessages renders a conversation transcript as a single prompt for
// providers with no native multi-message API.
func flattenMessages(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// GetModelName implements LLMProvider.GetModelName
func (o *OllamaProvider) GetModelName() string {
	return o.config.Model
}

// GetMaxTokens implements LLMProvider.GetMaxTokens
func (o *OllamaProvider) GetMaxTokens() int {
	return o.config.MaxTokens
}

// GetTemperature implements LLMProvider.GetTemperature
func (o *OllamaProvider) GetTemperature() float64 {
	return o.config.Temperature
}

// Close implements LLMProvider.Close
func (o *OllamaProvider) Close() error {
	// Ollama doesn't require explicit closing
	return nil
}

// callOllamaAPI calls the Ollama API for generation
func (o *OllamaProvider) callOllamaAPI(prompt string) (string, error) {
	// Prepare the request payload
	payload := map[string]interface{}{
		"model":  o.config.Model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]interface{}{
			"temperature": o.config.Temperature,
			"num_predict": o.config.MaxTokens,
		},
	}

	// Make the HTTP request using shared client
	resp, err := o.client.MakeRequest(context.Background(), "/api/generate", payload)
	if err != nil {
		return "", fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	// Parse the response
	var response struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Response, nil
}

// callOllamaStreamingAPI calls the Ollama streaming API, invoking emit for
// each non-empty response fragment.
func (o *OllamaProvider) callOllamaStreamingAPI(prompt string, emit func(string)) error {
	// Prepare the request payload
	payload := map[string]interface{}{
		"model":  o.config.Model,
		"prompt": prompt,
		"stream": true,
		"options": map[string]interface{}{
			"temperature": o.config.Temperature,
			"num_predict": o.config.MaxTokens,
		},
	}

	// Make the streaming HTTP request using shared client
	resp, err := o.client.MakeStreamingRequest(context.Background(), "/api/generate", payload)
	if err != nil {
		return fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	// Stream the response
	decoder := json.NewDecoder(resp.Body)
	for {
		var response struct {
			Response string `json:"response"`
			Done     bool   `json:"done"`
		}

		if err := decoder.Decode(&response); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode streaming response: %w", err)
		}

		if response.Response != "" {
			emit(response.Response)
		}

		if response.Done {
			break
		}
	}

	return nil
}

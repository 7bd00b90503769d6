package llms

import (
	"context"
	"fmt"

	"github.com/hector-engine/core/config"
	"google.golang.org/genai"
)

// ============================================================================
// GEMINI LLM PROVIDER
// ============================================================================

// GeminiProvider implements LLMProvider for Google's Gemini models via the
// official google.golang.org/genai SDK.
type GeminiProvider struct {
	client *genai.Client
	config *config.LLMProviderConfig
}

// NewGeminiProviderFromConfig creates a Gemini provider from config.
func NewGeminiProviderFromConfig(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{client: client, config: cfg}, nil
}

func (p *GeminiProvider) GetModelName() string    { return p.config.Model }
func (p *GeminiProvider) GetMaxTokens() int       { return p.config.MaxTokens }
func (p *GeminiProvider) GetTemperature() float64 { return p.config.Temperature }
func (p *GeminiProvider) Close() error            { return nil }

// Generate implements LLMProvider.Generate.
func (p *GeminiProvider) Generate(messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	contents, systemInstruction := p.buildContents(messages)
	genConfig := p.buildConfig(systemInstruction, tools)

	resp, err := p.client.Models.GenerateContent(context.Background(), p.config.Model, contents, genConfig)
	if err != nil {
		return "", nil, 0, fmt.Errorf("Gemini generation failed: %w", err)
	}

	text, toolCalls := parseGeminiResponse(resp)
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text, toolCalls, tokens, nil
}

// GenerateStreaming implements LLMProvider.GenerateStreaming.
func (p *GeminiProvider) GenerateStreaming(messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	contents, systemInstruction := p.buildContents(messages)
	genConfig := p.buildConfig(systemInstruction, tools)

	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		tokens := 0
		for resp, err := range p.client.Models.GenerateContentStream(context.Background(), p.config.Model, contents, genConfig) {
			if err != nil {
				ch <- StreamChunk{Type: "error", Error: fmt.Errorf("Gemini streaming error: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				tokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			text, toolCalls := parseGeminiResponse(resp)
			if text != "" {
				ch <- StreamChunk{Type: "text", Text: text}
			}
			for _, tc := range toolCalls {
				tc := tc
				ch <- StreamChunk{Type: "tool_call", ToolCall: &tc}
			}
		}
		ch <- StreamChunk{Type: "done", Tokens: tokens}
	}()
	return ch, nil
}

// buildContents converts a message transcript into Gemini contents, pulling
// any "system" messages out as the separate system instruction Gemini wants.
func (p *GeminiProvider) buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemInstruction == nil {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: msg.Content}}, Role: "user"}
			}
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		default:
			role := "user"
			if msg.Role == "assistant" {
				role = "model"
			}
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Parts: parts, Role: role})
			}
		}
	}

	return contents, systemInstruction
}

func (p *GeminiProvider) buildConfig(systemInstruction *genai.Content, tools []ToolDefinition) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}
	if p.config.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.config.MaxTokens)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = &genai.FunctionDeclaration{
				Name: t.Name, Description: t.Description, Parameters: toGeminiSchema(t.Parameters),
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// toGeminiSchema converts a JSON-schema-shaped map into a genai.Schema.
func toGeminiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	return s
}

// parseGeminiResponse extracts text and tool calls from one response/chunk.
func parseGeminiResponse(resp *genai.GenerateContentResponse) (string, []ToolCall) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var text string
	var toolCalls []ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, ToolCall{
				ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args,
			})
		}
	}
	return text, toolCalls
}

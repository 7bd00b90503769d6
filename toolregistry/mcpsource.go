package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPSourceConfig configures a ToolSource backed by a subprocess speaking
// the Model Context Protocol over stdio.
type MCPSourceConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// Filter, if non-empty, limits discovery to these tool names.
	Filter []string
}

// MCPSource is a ToolSource that discovers and invokes tools exposed by an
// external MCP server process. Every discovered tool is registered as an
// external side-effect handler, since the process is out-of-process and its
// effects are opaque to the policy gate.
type MCPSource struct {
	cfg MCPSourceConfig

	mu     sync.Mutex
	client *client.Client
}

// NewMCPSource constructs an MCPSource. The subprocess is started lazily on
// the first Discover call.
func NewMCPSource(cfg MCPSourceConfig) *MCPSource {
	return &MCPSource{cfg: cfg}
}

func (s *MCPSource) Name() string { return s.cfg.Name }

func (s *MCPSource) connect(ctx context.Context) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start MCP server %q: %w", s.cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("start MCP client %q: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "hector-engine", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("initialize MCP server %q: %w", s.cfg.Name, err)
	}

	s.client = mcpClient
	return mcpClient, nil
}

// Discover lists the server's tools and wraps each as a Descriptor/Handler
// pair with SideEffectExternal, since the call crosses a process boundary.
func (s *MCPSource) Discover(ctx context.Context) ([]Descriptor, map[string]Handler, error) {
	mcpClient, err := s.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	filter := make(map[string]bool, len(s.cfg.Filter))
	for _, name := range s.cfg.Filter {
		filter[name] = true
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, nil, fmt.Errorf("list tools from %q: %w", s.cfg.Name, err)
	}

	descriptors := make([]Descriptor, 0, len(listResp.Tools))
	handlers := make(map[string]Handler, len(listResp.Tools))

	for _, t := range listResp.Tools {
		if len(filter) > 0 && !filter[t.Name] {
			continue
		}
		name := t.Name
		descriptors = append(descriptors, Descriptor{
			Name:        name,
			Description: t.Description,
			SideEffect:  SideEffectExternal,
			Parameters:  paramsFromInputSchema(t.InputSchema),
		})
		handlers[name] = s.invokeHandler(name)
	}

	return descriptors, handlers, nil
}

func (s *MCPSource) invokeHandler(name string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (Result, error) {
		s.mu.Lock()
		mcpClient := s.client
		s.mu.Unlock()
		if mcpClient == nil {
			return Result{}, fmt.Errorf("MCP source %q not connected", s.cfg.Name)
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := mcpClient.CallTool(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("MCP call %q/%s failed: %w", s.cfg.Name, name, err)
		}

		var texts []string
		for _, c := range resp.Content {
			if tc, ok := c.(mcp.TextContent); ok {
				texts = append(texts, tc.Text)
			}
		}
		content := ""
		if len(texts) > 0 {
			content = texts[0]
		}
		return Result{Success: !resp.IsError, Content: content}, nil
	}
}

// paramsFromInputSchema converts an MCP JSON-schema-shaped input schema into
// ParamSpecs, best-effort (unknown shapes are dropped, not fatal).
func paramsFromInputSchema(schema mcp.ToolInputSchema) map[string]ParamSpec {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var raw struct {
		Properties map[string]struct {
			Type string   `json:"type"`
			Enum []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	required := make(map[string]bool, len(raw.Required))
	for _, r := range raw.Required {
		required[r] = true
	}

	params := make(map[string]ParamSpec, len(raw.Properties))
	for name, p := range raw.Properties {
		params[name] = ParamSpec{Type: p.Type, Required: required[name], Enum: p.Enum}
	}
	return params
}

// Close shuts down the underlying MCP subprocess, if started.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

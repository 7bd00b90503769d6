// Package toolregistry is the catalog of invokable capabilities described
// in spec.md §4.3: descriptors carry a JSON-schema parameter contract and a
// declared side-effect class, and Invoke runs a policy gate before any
// write/external handler executes.
package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hector-engine/core/config"
	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/registry"
	"github.com/invopop/jsonschema"
)

const component = "ToolRegistry"

// SideEffectClass classifies what a tool invocation may do, per §4.3.
type SideEffectClass string

const (
	SideEffectPure     SideEffectClass = "pure"
	SideEffectRead     SideEffectClass = "read"
	SideEffectWrite    SideEffectClass = "write"
	SideEffectExternal SideEffectClass = "external"
)

// Descriptor is a tool's registration-time metadata.
type Descriptor struct {
	Name        string
	Description string
	SideEffect  SideEffectClass
	Schema      *jsonschema.Schema
	Parameters  map[string]ParamSpec
}

// ParamSpec is a single declared parameter, used both to build the JSON
// schema and to validate invocation arguments.
type ParamSpec struct {
	Type     string // "string", "number", "boolean", "array", "object"
	Required bool
	Enum     []string
}

// Handler is the invocation callback a tool registers.
type Handler func(ctx context.Context, args map[string]interface{}) (Result, error)

// Result is the outcome of one Invoke call.
type Result struct {
	Success       bool
	Content       string
	Output        interface{}
	ExecutionTime time.Duration
	Metadata      map[string]interface{}
}

// PolicyContext carries the allowlists Invoke consults before running a
// write/external handler.
type PolicyContext struct {
	AllowedPaths    []string
	AllowedCommands []string
	AllowedHosts    []string
}

// ToolSource is an external provider of tools (MCP server, out-of-process
// plugin) that registers its tools into the same catalog as local handlers.
type ToolSource interface {
	Name() string
	Discover(ctx context.Context) ([]Descriptor, map[string]Handler, error)
}

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// ToolRegistry is the catalog of registered tools.
type ToolRegistry struct {
	*registry.BaseRegistry[entry]
	mu      sync.RWMutex
	sources map[string]ToolSource
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[entry](),
		sources:      make(map[string]ToolSource),
	}
}

// NewToolRegistryWithConfig builds a registry, registers every configured
// MCP server as a ToolSource, and registers every enabled "command"-type
// tool definition declared under a "local" repository.
func NewToolRegistryWithConfig(toolConfig *config.ToolConfigs) (*ToolRegistry, error) {
	r := NewToolRegistry()
	if toolConfig == nil {
		return r, nil
	}
	if err := toolConfig.Validate(); err != nil {
		return nil, coreerrors.New(component, "NewToolRegistryWithConfig", coreerrors.KindConfigurationError, "invalid tool config", err)
	}

	for _, mcpCfg := range toolConfig.MCPServers {
		source := NewMCPSource(MCPSourceConfig{
			Name: mcpCfg.Name, Command: mcpCfg.Command, Args: mcpCfg.Args, Env: mcpCfg.Env, Filter: mcpCfg.Filter,
		})
		if err := r.RegisterSource(mcpCfg.Name, source); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", mcpCfg.Name, err)
		}
	}

	for _, repo := range toolConfig.Repositories {
		if repo.Type != "local" {
			// "mcp"-type repositories declare a remote URL (HTTP/SSE transport);
			// MCPSource only speaks the stdio transport configured above via
			// MCPServers. "plugin"-type repositories are discovered through the
			// plugins package instead. Neither is registered here.
			continue
		}
		for _, def := range repo.Tools {
			if def.Type != "command" || !def.Enabled {
				continue
			}
			cmdCfg, err := CommandToolConfigFromDefinition(def, CommandToolConfig{})
			if err != nil {
				return nil, fmt.Errorf("repository %q tool %q: %w", repo.Name, def.Name, err)
			}
			descriptor, handler, err := NewCommandDescriptorAndHandler(cmdCfg)
			if err != nil {
				return nil, fmt.Errorf("repository %q tool %q: %w", repo.Name, def.Name, err)
			}
			descriptor.Name = def.Name
			if err := r.Register(descriptor, handler); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// RegisterSource discovers and registers every tool offered by source.
func (r *ToolRegistry) RegisterSource(name string, source ToolSource) error {
	r.mu.Lock()
	r.sources[name] = source
	r.mu.Unlock()

	descriptors, handlers, err := source.Discover(context.Background())
	if err != nil {
		return coreerrors.New(component, "RegisterSource", coreerrors.KindConfigurationError,
			fmt.Sprintf("source %q discovery failed", name), err)
	}
	for _, d := range descriptors {
		h, ok := handlers[d.Name]
		if !ok {
			continue
		}
		if err := r.Register(d, h); err != nil {
			return err
		}
	}
	return nil
}

// Register adds descriptor/handler to the catalog. Filesystem, shell, and
// HTTP tools (side-effect class write/external) MUST be constructed with an
// explicit allowlist; descriptor.Schema is derived from Parameters if absent.
func (r *ToolRegistry) Register(descriptor Descriptor, handler Handler) error {
	if descriptor.Name == "" {
		return coreerrors.New(component, "Register", coreerrors.KindConfigurationError, "tool name cannot be empty", nil)
	}
	if handler == nil {
		return coreerrors.New(component, "Register", coreerrors.KindConfigurationError, "tool handler cannot be nil", nil)
	}
	if descriptor.Schema == nil {
		descriptor.Schema = buildSchema(descriptor.Parameters)
	}

	if err := r.BaseRegistry.Register(descriptor.Name, entry{descriptor: descriptor, handler: handler}); err != nil {
		return coreerrors.New(component, "Register", coreerrors.KindDuplicateName,
			fmt.Sprintf("tool %q already registered", descriptor.Name), err)
	}
	return nil
}

// Describe returns every registered descriptor, used to expose tool
// declarations to the provider when assembling a prompt.
func (r *ToolRegistry) Describe() []Descriptor {
	entries := r.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.descriptor)
	}
	return out
}

// Invoke validates args against the descriptor schema, applies the policy
// gate for write/external tools, then runs the handler honoring ctx
// cancellation.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]interface{}, policy PolicyContext) (Result, error) {
	e, ok := r.Get(name)
	if !ok {
		return Result{}, coreerrors.New(component, "Invoke", coreerrors.KindNotFound, fmt.Sprintf("tool %q not registered", name), nil)
	}

	if err := validateArgs(e.descriptor, args); err != nil {
		return Result{}, err
	}

	if e.descriptor.SideEffect == SideEffectWrite || e.descriptor.SideEffect == SideEffectExternal {
		if err := checkPolicy(e.descriptor, args, policy); err != nil {
			return Result{}, err
		}
	}

	select {
	case <-ctx.Done():
		return Result{}, coreerrors.New(component, "Invoke", coreerrors.KindCancelled, "invocation cancelled before dispatch", ctx.Err())
	default:
	}

	start := time.Now()
	result, err := e.handler(ctx, args)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		return result, err
	}
	return result, nil
}

func validateArgs(descriptor Descriptor, args map[string]interface{}) error {
	for name, spec := range descriptor.Parameters {
		v, present := args[name]
		if !present {
			if spec.Required {
				return coreerrors.New(component, "Invoke", coreerrors.KindBadRequest,
					fmt.Sprintf("missing required parameter %q for tool %q", name, descriptor.Name), nil)
			}
			continue
		}
		if len(spec.Enum) > 0 {
			s, ok := v.(string)
			if !ok || !contains(spec.Enum, s) {
				return coreerrors.New(component, "Invoke", coreerrors.KindBadRequest,
					fmt.Sprintf("parameter %q must be one of %v", name, spec.Enum), nil)
			}
		}
	}
	return nil
}

func checkPolicy(descriptor Descriptor, args map[string]interface{}, policy PolicyContext) error {
	if command, ok := args["command"].(string); ok && len(policy.AllowedCommands) == 0 {
		return coreerrors.New(component, "Invoke", coreerrors.KindConfigurationError,
			fmt.Sprintf("tool %q requires an explicit command allowlist", descriptor.Name), nil)
	} else if ok {
		base := firstWord(command)
		if !contains(policy.AllowedCommands, base) {
			return coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
				fmt.Sprintf("command %q not in allowlist", base), nil)
		}
		if hasShellMetacharacters(command) {
			return coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
				"command contains shell metacharacters; arguments must be passed as an array", nil)
		}
	}

	if path, ok := args["path"].(string); ok {
		if len(policy.AllowedPaths) == 0 {
			return coreerrors.New(component, "Invoke", coreerrors.KindConfigurationError,
				fmt.Sprintf("tool %q requires an explicit path allowlist", descriptor.Name), nil)
		}
		if !pathAllowed(path, policy.AllowedPaths) {
			return coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
				fmt.Sprintf("path %q outside allowlist", path), nil)
		}
	}

	if host, ok := args["host"].(string); ok {
		if len(policy.AllowedHosts) == 0 {
			return coreerrors.New(component, "Invoke", coreerrors.KindConfigurationError,
				fmt.Sprintf("tool %q requires an explicit host allowlist", descriptor.Name), nil)
		}
		if !contains(policy.AllowedHosts, host) {
			return coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
				fmt.Sprintf("host %q not in allowlist", host), nil)
		}
	}

	return nil
}

// hasShellMetacharacters flags arguments that would change meaning if
// interpolated into a shell string. Invoke never builds a shell string -
// handlers receive an argv array - but descriptors may still reject
// metacharacters defensively when a caller hands raw command text.
func hasShellMetacharacters(s string) bool {
	return strings.ContainsAny(s, "|&;<>`$(){}\n")
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func pathAllowed(path string, allowed []string) bool {
	for _, prefix := range allowed {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func buildSchema(params map[string]ParamSpec) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	for name, spec := range params {
		prop := &jsonschema.Schema{Type: spec.Type}
		for _, e := range spec.Enum {
			prop.Enum = append(prop.Enum, e)
		}
		schema.Properties.Set(name, prop)
		if spec.Required {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

package component

import (
	"context"
	"fmt"

	"github.com/hector-engine/core/agentexecutor"
	"github.com/hector-engine/core/config"
	"github.com/hector-engine/core/databases"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/groupcollab"
	"github.com/hector-engine/core/llms"
	"github.com/hector-engine/core/plugins"
	plugingrpc "github.com/hector-engine/core/plugins/grpc"
	"github.com/hector-engine/core/providerport"
	"github.com/hector-engine/core/reviewgate"
	"github.com/hector-engine/core/sandbox"
	"github.com/hector-engine/core/specregistry"
	"github.com/hector-engine/core/toolregistry"
	"github.com/hector-engine/core/workflowengine"
)

// ============================================================================
// COMPONENT MANAGER
// ============================================================================

// ComponentManager wires the orchestration engine's components together:
// spec storage, LLM providers, tools, sandboxes, the event bus and the
// review gate. It owns no execution logic of its own - AgentExecutor,
// WorkflowEngine and GroupCollaborationEngine are built on demand by its
// NewAgentExecutor/NewWorkflowEngine/NewGroupCollaborationEngine methods.
type ComponentManager struct {
	globalConfig *config.Config

	llmRegistry *llms.LLMRegistry
	dbRegistry  *databases.DatabaseRegistry

	specs   *specregistry.SpecRegistry
	tools   *toolregistry.ToolRegistry
	sandbox *sandbox.SandboxManager
	events  *eventbus.EventBus
	reviews *reviewgate.ReviewGate

	pluginRegistry *plugins.PluginRegistry
}

// NewComponentManager creates a component manager and initializes every
// component it can from globalConfig. LLM providers must be configured;
// everything else defaults to a usable zero state.
func NewComponentManager(globalConfig *config.Config) (*ComponentManager, error) {
	ctx := context.Background()

	toolReg, err := toolregistry.NewToolRegistryWithConfig(&globalConfig.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool registry: %w", err)
	}

	pluginRegistry := plugins.NewPluginRegistry(nil)
	grpcLoader := plugingrpc.NewGRPCLoader()
	if err := pluginRegistry.RegisterLoader(grpcLoader); err != nil {
		return nil, fmt.Errorf("failed to register gRPC loader: %w", err)
	}

	cm := &ComponentManager{
		globalConfig:   globalConfig,
		llmRegistry:    llms.NewLLMRegistry(),
		dbRegistry:     databases.NewDatabaseRegistry(),
		specs:          specregistry.NewSpecRegistry(specregistry.DefaultOptions()),
		tools:          toolReg,
		sandbox:        sandbox.NewSandboxManager(sandbox.DefaultOptions()),
		events:         eventbus.NewEventBus(eventbus.DefaultOptions()),
		reviews:        reviewgate.NewReviewGate(reviewgate.DefaultOptions()),
		pluginRegistry: pluginRegistry,
	}

	if err := cm.loadPlugins(ctx); err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}

	for name, llmConfig := range cm.globalConfig.LLMs {
		if _, err := cm.llmRegistry.CreateLLMFromConfig(name, &llmConfig); err != nil {
			return nil, fmt.Errorf("failed to initialize LLM '%s': %w", name, err)
		}
	}

	for name, agentSpec := range cm.globalConfig.Agents {
		spec := specregistry.AgentSpec{
			Name:   name,
			Parent: agentSpec.Parent,
			Fields: map[string]interface{}{
				"llm":         agentSpec.LLM,
				"database":    agentSpec.Database,
				"description": agentSpec.Description,
			},
		}
		if err := cm.specs.Register(spec, true); err != nil {
			return nil, fmt.Errorf("failed to register agent spec '%s': %w", name, err)
		}
	}

	return cm, nil
}

// ============================================================================
// GETTERS
// ============================================================================

func (cm *ComponentManager) GetGlobalConfig() *config.Config { return cm.globalConfig }

func (cm *ComponentManager) GetLLMRegistry() *llms.LLMRegistry { return cm.llmRegistry }

func (cm *ComponentManager) GetDatabaseRegistry() *databases.DatabaseRegistry { return cm.dbRegistry }

func (cm *ComponentManager) GetSpecRegistry() *specregistry.SpecRegistry { return cm.specs }

func (cm *ComponentManager) GetToolRegistry() *toolregistry.ToolRegistry { return cm.tools }

func (cm *ComponentManager) GetSandboxManager() *sandbox.SandboxManager { return cm.sandbox }

func (cm *ComponentManager) GetEventBus() *eventbus.EventBus { return cm.events }

func (cm *ComponentManager) GetReviewGate() *reviewgate.ReviewGate { return cm.reviews }

func (cm *ComponentManager) GetPluginRegistry() *plugins.PluginRegistry { return cm.pluginRegistry }

// GetLLM returns an LLM provider by name.
func (cm *ComponentManager) GetLLM(name string) (llms.LLMProvider, error) {
	return cm.llmRegistry.GetLLM(name)
}

// GetDatabase returns a caller-supplied database provider by name.
func (cm *ComponentManager) GetDatabase(name string) (databases.DatabaseProvider, error) {
	return cm.dbRegistry.GetDatabase(name)
}

// ============================================================================
// ENGINE CONSTRUCTION
//
// AgentExecutor, WorkflowEngine and GroupCollaborationEngine own no state
// ComponentManager needs to track, so it builds them on demand from its
// already-wired components rather than holding singletons.
// ============================================================================

// NewProviderPort resolves llmName to a registered LLM and wraps it as a
// providerport.Port. Ollama's prompt-only API never advertises tool support.
func (cm *ComponentManager) NewProviderPort(llmName string) (providerport.Port, error) {
	provider, err := cm.llmRegistry.GetLLM(llmName)
	if err != nil {
		return nil, err
	}
	supportsTools := true
	if cfg, ok := cm.globalConfig.LLMs[llmName]; ok && cfg.Type == "ollama" {
		supportsTools = false
	}
	return &providerport.LLMAdapter{Provider: provider, SupportsTools: supportsTools}, nil
}

// NewAgentExecutor builds an AgentExecutor against this manager's spec
// registry, tool registry and event bus.
func (cm *ComponentManager) NewAgentExecutor() *agentexecutor.AgentExecutor {
	return agentexecutor.New(agentexecutor.Options{
		Specs:  cm.specs,
		Tools:  cm.tools,
		Events: cm.events,
	})
}

// NewGroupCollaborationEngine builds a GroupCollaborationEngine publishing
// to this manager's event bus.
func (cm *ComponentManager) NewGroupCollaborationEngine() *groupcollab.GroupCollaborationEngine {
	return groupcollab.New(groupcollab.Options{Events: cm.events})
}

// NewWorkflowEngine builds a WorkflowEngine over exec and groups, which the
// caller constructs first (exec via NewAgentExecutor, groups typically a
// *groupcollab.Adapter wrapping NewGroupCollaborationEngine's result).
func (cm *ComponentManager) NewWorkflowEngine(exec *agentexecutor.AgentExecutor, groups workflowengine.GroupCollaborator) *workflowengine.WorkflowEngine {
	return workflowengine.New(workflowengine.Options{
		AgentExecutor: exec,
		Tools:         cm.tools,
		Groups:        groups,
		Events:        cm.events,
		Reviews:       cm.reviews,
	})
}

// ============================================================================
// PLUGIN MANAGEMENT
// ============================================================================

// loadPlugins discovers and loads plugins from configuration. Plugins back
// ToolRegistry tool sources and SandboxManager backends; LLM/database/
// embedder plugin types are accepted in config for forward compatibility
// but are not wired to a component in this engine.
func (cm *ComponentManager) loadPlugins(ctx context.Context) error {
	pluginConfig := &cm.globalConfig.Plugins

	discoveryConfig := &plugins.DiscoveryConfig{
		Enabled:            pluginConfig.Discovery.Enabled,
		Paths:              pluginConfig.Discovery.Paths,
		ScanSubdirectories: pluginConfig.Discovery.ScanSubdirectories,
	}

	discovery := plugins.NewPluginDiscovery(discoveryConfig)
	discoveredPlugins, err := discovery.DiscoverPlugins(ctx)
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}

	if err := cm.loadConfiguredToolPlugins(ctx, pluginConfig); err != nil {
		return fmt.Errorf("failed to load configured tool plugins: %w", err)
	}

	if err := cm.loadDiscoveredPlugins(ctx, discoveredPlugins, pluginConfig); err != nil {
		return fmt.Errorf("failed to load discovered plugins: %w", err)
	}

	return nil
}

func (cm *ComponentManager) loadConfiguredToolPlugins(ctx context.Context, pluginConfig *config.PluginConfigs) error {
	for name, cfg := range pluginConfig.ToolProviders {
		if !cfg.Enabled {
			continue
		}
		if err := cm.loadAndRegisterPlugin(ctx, name, &cfg, plugins.PluginTypeTool); err != nil {
			return fmt.Errorf("tool plugin '%s': %w", name, err)
		}
	}
	return nil
}

func (cm *ComponentManager) loadDiscoveredPlugins(ctx context.Context, discovered []*plugins.DiscoveredPlugin, pluginConfig *config.PluginConfigs) error {
	for _, dp := range discovered {
		if cm.isPluginConfigured(dp.Name, pluginConfig) {
			continue
		}
		cfg := &config.PluginConfig{
			Name:    dp.Name,
			Type:    string(dp.Manifest.Protocol),
			Path:    dp.Path,
			Enabled: true,
			Config:  make(map[string]interface{}),
		}
		if err := cm.loadAndRegisterPlugin(ctx, dp.Name, cfg, dp.Manifest.Type); err != nil {
			return fmt.Errorf("discovered plugin '%s': %w", dp.Name, err)
		}
	}
	return nil
}

func (cm *ComponentManager) isPluginConfigured(name string, pluginConfig *config.PluginConfigs) bool {
	if _, ok := pluginConfig.ToolProviders[name]; ok {
		return true
	}
	if _, ok := pluginConfig.LLMProviders[name]; ok {
		return true
	}
	return false
}

// loadAndRegisterPlugin loads a plugin and, for tool plugins, registers it
// as a ToolSource with the tool registry.
func (cm *ComponentManager) loadAndRegisterPlugin(ctx context.Context, name string, cfg *config.PluginConfig, pluginType plugins.PluginType) error {
	pluginCfg := &plugins.PluginConfig{
		Name:    name,
		Type:    plugins.PluginProtocol(cfg.Type),
		Path:    cfg.Path,
		Enabled: cfg.Enabled,
		Config:  cfg.Config,
	}

	if err := cm.pluginRegistry.LoadPlugin(ctx, pluginCfg); err != nil {
		return err
	}

	plugin, err := cm.pluginRegistry.GetPlugin(name)
	if err != nil {
		return err
	}

	if pluginType == plugins.PluginTypeTool {
		if source, ok := plugin.(toolregistry.ToolSource); ok {
			return cm.tools.RegisterSource(name, source)
		}
	}

	return nil
}

// ShutdownPlugins gracefully shuts down all plugins.
func (cm *ComponentManager) ShutdownPlugins(ctx context.Context) error {
	if cm.pluginRegistry != nil {
		return cm.pluginRegistry.Shutdown(ctx)
	}
	return nil
}

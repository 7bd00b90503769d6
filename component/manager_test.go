package component

import (
	"testing"

	"github.com/hector-engine/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		LLMs: map[string]config.LLMProviderConfig{
			"local": {Type: "ollama", Model: "llama3.2"},
		},
		Agents: map[string]config.AgentConfig{
			"assistant": {Name: "assistant", LLM: "local"},
		},
	}
}

func TestNewComponentManager_WiresEverything(t *testing.T) {
	cfg := testConfig()
	cm, err := NewComponentManager(cfg)
	require.NoError(t, err)

	assert.NotNil(t, cm.GetSpecRegistry())
	assert.NotNil(t, cm.GetToolRegistry())
	assert.NotNil(t, cm.GetSandboxManager())
	assert.NotNil(t, cm.GetEventBus())
	assert.NotNil(t, cm.GetReviewGate())

	_, err = cm.GetSpecRegistry().Resolve("assistant")
	assert.NoError(t, err)
}

func TestComponentManager_NewProviderPortWrapsOllamaWithoutToolSupport(t *testing.T) {
	cm, err := NewComponentManager(testConfig())
	require.NoError(t, err)

	port, err := cm.NewProviderPort("local")
	require.NoError(t, err)
	assert.False(t, port.Capabilities().SupportsTools)
}

func TestComponentManager_NewProviderPortUnknownLLMFails(t *testing.T) {
	cm, err := NewComponentManager(testConfig())
	require.NoError(t, err)

	_, err = cm.NewProviderPort("ghost")
	assert.Error(t, err)
}

func TestComponentManager_BuildsAgentExecutorWorkflowEngineAndGroupCollab(t *testing.T) {
	cm, err := NewComponentManager(testConfig())
	require.NoError(t, err)

	exec := cm.NewAgentExecutor()
	require.NotNil(t, exec)

	groupEngine := cm.NewGroupCollaborationEngine()
	require.NotNil(t, groupEngine)

	wf := cm.NewWorkflowEngine(exec, nil)
	require.NotNil(t, wf)
}

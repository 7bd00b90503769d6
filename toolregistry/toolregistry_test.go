package toolregistry

import (
	"context"
	"testing"
	"time"

	"github.com/hector-engine/core/config"
	"github.com/hector-engine/core/coreerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, args map[string]interface{}) (Result, error) {
	return Result{Success: true, Content: args["text"].(string)}, nil
}

func TestToolRegistry_RegisterAndDescribe(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(Descriptor{
		Name:       "echo",
		SideEffect: SideEffectPure,
		Parameters: map[string]ParamSpec{"text": {Type: "string", Required: true}},
	}, echoHandler)
	require.NoError(t, err)

	descriptors := r.Describe()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Name)
}

func TestToolRegistry_RegisterDuplicate(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo"}, echoHandler))

	err := r.Register(Descriptor{Name: "echo"}, echoHandler)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindDuplicateName, coreerrors.KindOf(err))
}

func TestToolRegistry_InvokeMissingRequiredArg(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name:       "echo",
		SideEffect: SideEffectPure,
		Parameters: map[string]ParamSpec{"text": {Type: "string", Required: true}},
	}, echoHandler))

	_, err := r.Invoke(context.Background(), "echo", map[string]interface{}{}, PolicyContext{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindBadRequest, coreerrors.KindOf(err))
}

func TestToolRegistry_InvokeNotFound(t *testing.T) {
	r := NewToolRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil, PolicyContext{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}

func TestToolRegistry_WritePolicyDeniedWithoutAllowlist(t *testing.T) {
	r := NewToolRegistry()
	writeHandler := func(ctx context.Context, args map[string]interface{}) (Result, error) {
		return Result{Success: true}, nil
	}
	require.NoError(t, r.Register(Descriptor{
		Name:       "write_file",
		SideEffect: SideEffectWrite,
		Parameters: map[string]ParamSpec{"path": {Type: "string", Required: true}},
	}, writeHandler))

	_, err := r.Invoke(context.Background(), "write_file", map[string]interface{}{"path": "/tmp/x"}, PolicyContext{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindConfigurationError, coreerrors.KindOf(err))

	_, err = r.Invoke(context.Background(), "write_file", map[string]interface{}{"path": "/tmp/x"},
		PolicyContext{AllowedPaths: []string{"/var"}})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindPolicyDenied, coreerrors.KindOf(err))

	_, err = r.Invoke(context.Background(), "write_file", map[string]interface{}{"path": "/tmp/x"},
		PolicyContext{AllowedPaths: []string{"/tmp"}})
	require.NoError(t, err)
}

func TestCommandTool_RejectsUnknownCommand(t *testing.T) {
	descriptor, handler, err := NewCommandDescriptorAndHandler(CommandToolConfig{
		AllowedCommands: []string{"echo"},
	})
	require.NoError(t, err)

	r := NewToolRegistry()
	require.NoError(t, r.Register(descriptor, handler))

	_, err = r.Invoke(context.Background(), "execute_command",
		map[string]interface{}{"argv": []string{"rm", "-rf", "/"}}, PolicyContext{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindPolicyDenied, coreerrors.KindOf(err))
}

func TestCommandTool_RejectsShellMetacharactersEvenInArgv(t *testing.T) {
	descriptor, handler, err := NewCommandDescriptorAndHandler(CommandToolConfig{
		AllowedCommands: []string{"echo"},
	})
	require.NoError(t, err)

	r := NewToolRegistry()
	require.NoError(t, r.Register(descriptor, handler))

	_, err = r.Invoke(context.Background(), "execute_command",
		map[string]interface{}{"argv": []string{"echo", "hi; rm -rf /"}}, PolicyContext{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindPolicyDenied, coreerrors.KindOf(err))
}

func TestCommandTool_RunsAllowedCommand(t *testing.T) {
	descriptor, handler, err := NewCommandDescriptorAndHandler(CommandToolConfig{
		AllowedCommands: []string{"echo"},
	})
	require.NoError(t, err)

	r := NewToolRegistry()
	require.NoError(t, r.Register(descriptor, handler))

	result, err := r.Invoke(context.Background(), "execute_command",
		map[string]interface{}{"argv": []string{"echo", "hello"}}, PolicyContext{})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestNewCommandDescriptorAndHandler_RequiresAllowlist(t *testing.T) {
	_, _, err := NewCommandDescriptorAndHandler(CommandToolConfig{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindConfigurationError, coreerrors.KindOf(err))
}

func TestCommandToolConfigFromDefinition_DecodesAllowlistAndTimeout(t *testing.T) {
	def := config.ToolDefinition{
		Name:    "run_git",
		Type:    "command",
		Enabled: true,
		Config: map[string]interface{}{
			"allowed_commands":   "git",
			"working_directory":  "/repo",
			"max_execution_time": "5s",
		},
	}

	cfg, err := CommandToolConfigFromDefinition(def, CommandToolConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"git"}, cfg.AllowedCommands)
	assert.Equal(t, "/repo", cfg.WorkingDirectory)
	assert.Equal(t, 5*time.Second, cfg.MaxExecutionTime)
}

func TestNewToolRegistryWithConfig_RegistersLocalCommandDefinitions(t *testing.T) {
	toolConfig := &config.ToolConfigs{
		DefaultRepo: "local",
		Repositories: []config.ToolRepository{
			{
				Name: "local",
				Type: "local",
				Tools: []config.ToolDefinition{
					{
						Name:    "run_git",
						Type:    "command",
						Enabled: true,
						Config:  map[string]interface{}{"allowed_commands": []string{"git"}},
					},
					{Name: "disabled_tool", Type: "command", Enabled: false},
				},
			},
		},
	}

	r, err := NewToolRegistryWithConfig(toolConfig)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, d := range r.Describe() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "run_git")
	assert.NotContains(t, names, "disabled_tool")
}

package toolregistry

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hector-engine/core/config"
	"github.com/hector-engine/core/coreerrors"
	"github.com/mitchellh/mapstructure"
)

// CommandToolConfig mirrors the teacher's config.CommandToolsConfig shape
// but drives argv-array execution instead of a shell string.
type CommandToolConfig struct {
	AllowedCommands  []string      `yaml:"allowed_commands"`
	WorkingDirectory string        `yaml:"working_directory"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// NewCommandDescriptorAndHandler builds the "execute_command" tool. Unlike
// the teacher's CommandTool.executeCommand (exec.CommandContext(ctx, "sh",
// "-c", command)), args are split client-side and exec'd directly as an
// argv array - there is no shell to interpolate into. Any argument that
// still contains shell metacharacters is rejected with kind=policy_denied.
func NewCommandDescriptorAndHandler(cfg CommandToolConfig) (Descriptor, Handler, error) {
	if len(cfg.AllowedCommands) == 0 {
		return Descriptor{}, nil, coreerrors.New(component, "NewCommandDescriptorAndHandler",
			coreerrors.KindConfigurationError, "execute_command requires a non-empty AllowedCommands list", nil)
	}
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = 30 * time.Second
	}

	descriptor := Descriptor{
		Name:        "execute_command",
		Description: "Execute an allowlisted command with explicit arguments (no shell interpretation)",
		SideEffect:  SideEffectExternal,
		Parameters: map[string]ParamSpec{
			"argv":        {Type: "array", Required: true},
			"working_dir": {Type: "string"},
		},
	}

	handler := func(ctx context.Context, args map[string]interface{}) (Result, error) {
		argv, err := toStringSlice(args["argv"])
		if err != nil || len(argv) == 0 {
			return Result{}, coreerrors.New(component, "Invoke", coreerrors.KindBadRequest,
				"argv parameter must be a non-empty array of strings", err)
		}

		for _, a := range argv {
			if hasShellMetacharacters(a) {
				return Result{}, coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
					fmt.Sprintf("argument %q contains shell metacharacters and is rejected even in argv form", a), nil)
			}
		}

		if !contains(cfg.AllowedCommands, argv[0]) {
			return Result{}, coreerrors.New(component, "Invoke", coreerrors.KindPolicyDenied,
				fmt.Sprintf("command %q not in allowlist", argv[0]), nil)
		}

		workDir := cfg.WorkingDirectory
		if wd, ok := args["working_dir"].(string); ok && wd != "" {
			workDir = wd
		}

		runCtx, cancel := context.WithTimeout(ctx, cfg.MaxExecutionTime)
		defer cancel()

		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		cmd.Dir = workDir

		start := time.Now()
		output, err := cmd.CombinedOutput()
		elapsed := time.Since(start)

		result := Result{
			Success:       err == nil,
			Content:       string(output),
			ExecutionTime: elapsed,
			Metadata: map[string]interface{}{
				"argv":        argv,
				"working_dir": workDir,
			},
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.Metadata["exit_code"] = exitErr.ExitCode()
			}
			return result, coreerrors.New(component, "Invoke", coreerrors.KindTransient, "command exited non-zero", err)
		}
		return result, nil
	}

	return descriptor, handler, nil
}

// CommandToolConfigFromLegacy adapts the teacher's config.CommandToolsConfig
// document shape (still the declarative surface loaders parse) into
// CommandToolConfig.
func CommandToolConfigFromLegacy(c *config.CommandToolsConfig) CommandToolConfig {
	if c == nil {
		return CommandToolConfig{}
	}
	return CommandToolConfig{
		AllowedCommands:  c.AllowedCommands,
		WorkingDirectory: c.WorkingDirectory,
		MaxExecutionTime: c.MaxExecutionTime,
	}
}

// CommandToolConfigFromDefinition decodes a single ToolDefinition's untyped
// Config map into CommandToolConfig, letting one "command"-type definition
// override the allowlist/working directory/timeout its repository sets.
// Config is operator-authored YAML turned into map[string]interface{} by the
// loader, so values arrive weakly typed (e.g. max_execution_time as a plain
// duration string); mapstructure's duration hook is what makes that usable
// without hand-rolled field-by-field parsing.
func CommandToolConfigFromDefinition(def config.ToolDefinition, base CommandToolConfig) (CommandToolConfig, error) {
	cfg := base
	if len(def.Config) == 0 {
		return cfg, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return CommandToolConfig{}, fmt.Errorf("build command tool config decoder: %w", err)
	}
	if err := decoder.Decode(def.Config); err != nil {
		return CommandToolConfig{}, fmt.Errorf("decode command tool config for %q: %w", def.Name, err)
	}
	return cfg, nil
}

func toStringSlice(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argv element %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argv must be an array of strings, got %T", v)
	}
}

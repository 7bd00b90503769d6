// Package hector provides a multi-agent orchestration engine: agent spec
// resolution and lifecycle, declarative workflow execution, multi-agent
// group collaboration, and sandboxed tool/code execution.
//
// Hector is a library, not a CLI or server product. Callers assemble a
// [component.ComponentManager] from configuration, then construct the
// engines they need from its getters:
//
//	cm, err := component.NewComponentManager(cfg)
//	exec := agentexecutor.New(agentexecutor.Options{
//		Specs: cm.GetSpecRegistry(), Tools: cm.GetToolRegistry(), Events: cm.GetEventBus(),
//	})
//	wf := workflowengine.New(workflowengine.Options{
//		AgentExecutor: exec, Tools: cm.GetToolRegistry(), Events: cm.GetEventBus(), Reviews: cm.GetReviewGate(),
//	})
//
// # Key packages
//
//   - specregistry: AgentSpec storage, inheritance resolution, EffectiveSpec
//   - agentexecutor: one agent turn end-to-end against a providerport.Port
//   - workflowengine: DAG-scheduled multi-step workflow execution
//   - groupcollab: FIPA-performative multi-agent group collaboration
//   - sandbox: sandboxed process lifecycle for tool/code execution
//   - toolregistry, providerport, eventbus, reviewgate, coreerrors: supporting
//     capability contracts shared by the above
//
// REST/gRPC front-ends, CLI entry points and the A2A wire protocol are
// explicitly out of scope; this module implements the orchestration core
// only, leaving transport and process entry points to callers.
package hector

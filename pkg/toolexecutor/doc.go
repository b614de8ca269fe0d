// Package toolexecutor executes the tools a model may call during a turn.
//
// Two kinds of tools exist. Local tools are registered on a ToolExecutor with
// a handler and run in-process. Remote tools are discovered from the tool
// backend over JSON-RPC and invoked through a RegistryClient.
//
// Invariants:
//   - Tool names are unique within the executor.
//   - Local arguments are schema-validated before the handler runs.
//   - Execute and RegistryClient.Invoke never return errors; failures are
//     reported in ToolResult so one bad call cannot abort its siblings.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = toolexecutor.RegisterLocalTools(exec, toolexecutor.LogNotifier{}, contexts)
//	res := exec.Execute(ctx, "send_notification", map[string]interface{}{"message": "SIP due"}, nil)
package toolexecutor

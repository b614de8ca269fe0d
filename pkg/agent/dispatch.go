package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/toolexecutor"
	"go.opentelemetry.io/otel/attribute"
)

// catalog is the set of tools offered to the model for one session.
type catalog struct {
	specs  []ToolSpec
	remote map[string]bool
	local  map[string]bool
}

// buildCatalog merges remote and local tools. A remote tool that shares a
// name with a local tool is dropped.
func (r *Runner) buildCatalog(remote []toolexecutor.ToolDefinition) catalog {
	c := catalog{remote: map[string]bool{}, local: map[string]bool{}}

	for _, def := range r.executor.Definitions() {
		c.local[def.Name] = true
		c.specs = append(c.specs, toolSpec(def))
	}

	for _, def := range remote {
		if r.executor.Has(def.Name) {
			r.logger.Warn().Str("tool", def.Name).Msg("Remote tool shadows a local tool, ignoring it")
			continue
		}
		if c.remote[def.Name] {
			continue
		}
		c.remote[def.Name] = true
		c.specs = append(c.specs, toolSpec(def))
	}
	return c
}

func toolSpec(def toolexecutor.ToolDefinition) ToolSpec {
	schema := map[string]interface{}{}
	if len(def.InputSchema) > 0 {
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]interface{}{}
		}
	}
	if len(schema) == 0 {
		schema = toolexecutor.JSONSchema(def.Parameters)
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}

	description := def.Description
	if description == "" {
		description = def.Name
	}
	return ToolSpec{Name: def.Name, Description: description, InputSchema: schema}
}

// plannedCall is a tool call bound to its executor.
type plannedCall struct {
	call   ToolCall
	remote bool
}

// partition keeps the executable calls in emission order, tagging each with
// its executor, and returns the names of calls that match neither set.
func (c catalog) partition(calls []ToolCall) ([]plannedCall, []string) {
	var plan []plannedCall
	var skipped []string

	for _, call := range calls {
		switch {
		case c.remote[call.Name]:
			plan = append(plan, plannedCall{call: call, remote: true})
		case c.local[call.Name]:
			plan = append(plan, plannedCall{call: call})
		default:
			skipped = append(skipped, call.Name)
		}
	}
	return plan, skipped
}

// dispatch executes every planned call. Results are returned in plan order
// whether or not the calls ran concurrently. Context updates made by local
// tools are staged in updates.
func (r *Runner) dispatch(ctx context.Context, plan []plannedCall, identity string, updates *toolexecutor.ContextBatch) []toolexecutor.ToolResult {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "agent.dispatch",
		attribute.Int("tool.calls", len(plan)),
		attribute.Bool("tool.parallel", r.settings.ParallelTools),
	)
	defer span.End()

	results := make([]toolexecutor.ToolResult, len(plan))
	execCtx := &toolexecutor.ExecutionContext{
		UserID:     identity,
		SessionKey: r.session.Token(),
		Timeout:    time.Duration(r.settings.ToolTimeout) * time.Second,

		ContextUpdates: updates,
	}

	run := func(i int) {
		pc := plan[i]
		if pc.remote {
			results[i] = r.registry.Invoke(ctx, pc.call.Name, pc.call.Arguments)
		} else {
			results[i] = r.executor.Execute(ctx, pc.call.Name, pc.call.Arguments, execCtx)
		}
		if err := results[i].Err(); err != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().Err(err).
				Str("tool", pc.call.Name).
				Bool("remote", pc.remote).
				Msg("Tool call failed")
		}
	}

	if !r.settings.ParallelTools || len(plan) < 2 {
		for i := range plan {
			run(i)
		}
		return results
	}

	var wg sync.WaitGroup
	for i := range plan {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run(i)
		}(i)
	}
	wg.Wait()
	return results
}

// composeFollowup builds the single message that carries tool results back
// to the model.
func composeFollowup(text string, plan []plannedCall, results []toolexecutor.ToolResult) string {
	blocks := make([]string, 0, len(results))
	for i, res := range results {
		blocks = append(blocks, fmt.Sprintf("Result of `%s`:\n%s", plan[i].call.Name, res.Text()))
	}

	parts := make([]string, 0, 2)
	if strings.TrimSpace(text) != "" {
		parts = append(parts, text)
	}
	parts = append(parts, strings.Join(blocks, "\n\n"))
	return strings.Join(parts, "\n\n")
}

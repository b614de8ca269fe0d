package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/pkg/apperr"
	"github.com/rs/zerolog/log"
)

// RegistryClient discovers and invokes the tools hosted by the remote
// backend. The catalog is fetched once and cached until Refresh.
type RegistryClient struct {
	client *MCPClient

	mu      sync.RWMutex
	catalog []ToolDefinition
	loaded  bool
}

// NewRegistryClient wraps an MCP client.
func NewRegistryClient(client *MCPClient) *RegistryClient {
	return &RegistryClient{client: client}
}

// SessionID returns the backend session token. The server may replace the
// configured token during the handshake, so read it when needed.
func (r *RegistryClient) SessionID() string {
	return r.client.SessionID()
}

// ListTools returns the cached catalog, fetching it on first use.
func (r *RegistryClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	r.mu.RLock()
	if r.loaded {
		defs := append([]ToolDefinition(nil), r.catalog...)
		r.mu.RUnlock()
		return defs, nil
	}
	r.mu.RUnlock()

	return r.Refresh(ctx)
}

// Refresh re-fetches the catalog from the backend.
func (r *RegistryClient) Refresh(ctx context.Context) ([]ToolDefinition, error) {
	defs, err := r.client.ListTools(ctx)
	if err != nil {
		return nil, apperr.Unavailable("tool backend", err)
	}

	names := make(map[string]bool, len(defs))
	unique := defs[:0]
	for _, def := range defs {
		if names[def.Name] {
			log.Warn().Str("tool", def.Name).Msg("Duplicate remote tool ignored")
			continue
		}
		names[def.Name] = true
		unique = append(unique, def)
	}

	r.mu.Lock()
	r.catalog = unique
	r.loaded = true
	r.mu.Unlock()

	log.Info().Int("tools", len(unique)).Msg("Remote tool catalog loaded")
	return append([]ToolDefinition(nil), unique...), nil
}

// Invoke calls a remote tool. It never returns an error: transport and
// protocol failures are reported as an unsuccessful result.
func (r *RegistryClient) Invoke(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	start := time.Now()

	result := r.invoke(ctx, name, args)
	result.Tool = name
	result.Metadata = map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}

	observability.RecordToolExecution("remote", name, time.Since(start), result.Success)
	return result
}

func (r *RegistryClient) invoke(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	raw, err := r.client.CallTool(ctx, name, args)
	if err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("Remote tool call failed")
		return ToolResult{Error: err.Error()}
	}
	return decodeCallResult(raw)
}

// decodeCallResult extracts the first text content item. Shapes without
// one are passed through verbatim.
func decodeCallResult(raw json.RawMessage) ToolResult {
	var payload struct {
		Content []struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}

	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Content) == 0 || payload.Content[0].Text == nil {
		text, truncated := TruncateOutput(fmt.Sprintf("Unexpected response format: %s", strings.TrimSpace(string(raw))))
		return ToolResult{Success: true, Output: text, Truncated: truncated}
	}

	text, truncated := TruncateOutput(*payload.Content[0].Text)
	if payload.IsError {
		return ToolResult{Error: text, Output: text, Truncated: truncated}
	}
	return ToolResult{Success: true, Output: text, Truncated: truncated}
}

package toolexecutor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/finagent/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// SessionHeader carries the backend session token on every request.
const SessionHeader = "Mcp-Session-Id"

const protocolVersion = "2024-11-05"

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

// MCPClientConfig configures the HTTP JSON-RPC client.
type MCPClientConfig struct {
	Endpoint string
	// SessionID is generated when empty.
	SessionID string
	Timeout   time.Duration
	// Handshake sends initialize before the first request.
	Handshake  bool
	HTTPClient *http.Client
}

// MCPClient speaks JSON-RPC 2.0 over HTTP POST to the tool backend.
// Responses may be plain JSON or a text/event-stream carrying JSON-RPC
// messages in data lines.
type MCPClient struct {
	endpoint   string
	httpClient *http.Client
	handshake  bool
	nextID     atomic.Int64

	mu          sync.RWMutex
	sessionID   string
	initialized bool
	initMu      sync.Mutex
}

// NewMCPClient validates cfg and builds a client.
func NewMCPClient(cfg MCPClientConfig) (*MCPClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("mcp endpoint is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	return &MCPClient{
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		handshake:  cfg.Handshake,
		sessionID:  sessionID,
	}, nil
}

// NewSessionID returns a fresh backend session token.
func NewSessionID() string {
	return "mcp-session-" + uuid.NewString()
}

// SessionID returns the session token sent with each request.
func (c *MCPClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Initialize performs the protocol handshake once. A session id assigned by
// the server replaces the local one.
func (c *MCPClient) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}

	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "finagent",
			"version": "0.1.0",
		},
	}
	if _, err := c.roundTrip(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		log.Debug().Err(err).Msg("initialized notification not accepted")
	}

	c.initialized = true
	return nil
}

func (c *MCPClient) ensureInitialized(ctx context.Context) error {
	if !c.handshake {
		return nil
	}
	return c.Initialize(ctx)
}

// Call sends one request and returns its result. Transport failures, non-2xx
// statuses and JSON-RPC error envelopes are all returned as errors.
func (c *MCPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, method, params)
}

func (c *MCPClient) roundTrip(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "mcp."+method, attribute.String("mcp.method", method))
	defer span.End()

	id := c.nextID.Add(1)
	body, err := json.Marshal(mcpRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		tracing.MarkError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("tool backend returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		tracing.MarkError(span, err)
		return nil, err
	}

	if sid := resp.Header.Get(SessionHeader); sid != "" && method == "initialize" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	rpcResp, err := readResponse(resp, id)
	if err != nil {
		tracing.MarkError(span, err)
		return nil, err
	}
	if rpcResp.Error != nil {
		tracing.MarkError(span, rpcResp.Error)
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *MCPClient) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(mcpRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *MCPClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(SessionHeader, c.SessionID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error contacting tool backend: %w", err)
	}
	return resp, nil
}

// readResponse decodes either a JSON body or the first matching
// JSON-RPC message of an event stream.
func readResponse(resp *http.Response, id int64) (*mcpResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var rpcResp mcpResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &rpcResp, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var data strings.Builder

	flush := func() (*mcpResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var rpcResp mcpResponse
		if err := json.Unmarshal([]byte(data.String()), &rpcResp); err != nil {
			return nil, false
		}
		if n, ok := rpcResp.ID.(float64); ok && int64(n) == id {
			return &rpcResp, true
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if r, ok := flush(); ok {
				return r, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if r, ok := flush(); ok {
		return r, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}

// ListTools fetches the backend tool catalog.
func (c *MCPClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
	}

	defs := make([]ToolDefinition, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  parseMCPToolParameters(t.InputSchema),
			InputSchema: t.InputSchema,
		})
	}
	return defs, nil
}

// CallTool invokes a tool and returns the raw result object.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	return c.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
}

func parseMCPToolParameters(schema json.RawMessage) []ToolParameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]ToolParameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := ToolParameter{
			Name:     name,
			Type:     "string",
			Required: required[name],
		}
		if typeVal, ok := prop["type"].(string); ok && validParamType(typeVal) {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

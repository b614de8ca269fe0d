package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/harun/finagent/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal tool backend speaking JSON-RPC over HTTP.
type fakeBackend struct {
	mu       sync.Mutex
	methods  []string
	sessions []string
	listErr  bool
	sse      bool
	calls    map[string]string // tool name -> raw result JSON
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     *int64          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.sessions = append(f.sessions, r.Header.Get(SessionHeader))
	f.mu.Unlock()

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result string
	switch req.Method {
	case "initialize":
		w.Header().Set(SessionHeader, "server-assigned")
		result = `{"protocolVersion":"2024-11-05","capabilities":{}}`
	case "tools/list":
		if f.listErr {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		result = `{"tools":[
			{"name":"get_balance","description":"Account balance","inputSchema":{"type":"object","properties":{"account":{"type":"string","description":"Account id"},"months":{"type":"integer"}},"required":["account"]}},
			{"name":"whoami","description":"Identity"},
			{"name":"get_balance","description":"dup"}
		]}`
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &p)
		raw, ok := f.calls[p.Name]
		if !ok {
			f.write(w, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"unknown tool"}}`, *req.ID))
			return
		}
		result = raw
	default:
		f.write(w, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID))
		return
	}

	f.write(w, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result))
}

func (f *fakeBackend) write(w http.ResponseWriter, body string) {
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		compact := strings.Join(strings.Fields(body), " ")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", compact)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func newTestRegistry(t *testing.T, backend *fakeBackend, cfg MCPClientConfig) *RegistryClient {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL
	client, err := NewMCPClient(cfg)
	require.NoError(t, err)
	return NewRegistryClient(client)
}

func TestNewMCPClient(t *testing.T) {
	_, err := NewMCPClient(MCPClientConfig{})
	assert.Error(t, err)

	client, err := NewMCPClient(MCPClientConfig{Endpoint: "http://localhost"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(client.SessionID(), "mcp-session-"))

	client, err = NewMCPClient(MCPClientConfig{Endpoint: "http://localhost", SessionID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", client.SessionID())
}

func TestRegistryClient_ListTools(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(t, backend, MCPClientConfig{SessionID: "sess-1"})

	tools, err := reg.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "get_balance", tools[0].Name)
	require.Len(t, tools[0].Parameters, 2)
	assert.Equal(t, "account", tools[0].Parameters[0].Name)
	assert.True(t, tools[0].Parameters[0].Required)
	assert.Equal(t, "months", tools[0].Parameters[1].Name)
	assert.Equal(t, "integer", tools[0].Parameters[1].Type)
	assert.NotEmpty(t, tools[0].InputSchema)
	assert.Equal(t, "whoami", tools[1].Name)
	assert.Equal(t, "sess-1", reg.SessionID())

	// cached
	_, err = reg.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tools/list"}, backend.methods)
	assert.Equal(t, []string{"sess-1"}, backend.sessions)

	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, backend.methods, 2)
}

func TestRegistryClient_ListTools_Unavailable(t *testing.T) {
	reg := newTestRegistry(t, &fakeBackend{listErr: true}, MCPClientConfig{})

	_, err := reg.ListTools(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "503")
}

func TestRegistryClient_Handshake(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(t, backend, MCPClientConfig{SessionID: "local", Handshake: true})

	_, err := reg.ListTools(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list"}, backend.methods)
	assert.Equal(t, "server-assigned", reg.SessionID())
	assert.Equal(t, "server-assigned", backend.sessions[2])
}

func TestRegistryClient_Invoke(t *testing.T) {
	backend := &fakeBackend{calls: map[string]string{
		"get_balance": `{"content":[{"type":"text","text":"Balance: 100"}]}`,
		"failing":     `{"content":[{"type":"text","text":"account not found"}],"isError":true}`,
		"odd":         `{"rows":[1,2]}`,
		"huge":        fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, strings.Repeat("x", MaxOutputSize+10)),
	}}
	reg := newTestRegistry(t, backend, MCPClientConfig{})
	ctx := context.Background()

	result := reg.Invoke(ctx, "get_balance", map[string]interface{}{"account": "a1"})
	assert.True(t, result.Success)
	assert.Equal(t, "get_balance", result.Tool)
	assert.Equal(t, "Balance: 100", result.Output)

	result = reg.Invoke(ctx, "failing", nil)
	assert.False(t, result.Success)
	assert.Equal(t, "account not found", result.Error)

	result = reg.Invoke(ctx, "odd", nil)
	assert.True(t, result.Success)
	assert.Equal(t, `Unexpected response format: {"rows":[1,2]}`, result.Output)

	result = reg.Invoke(ctx, "huge", nil)
	assert.True(t, result.Success)
	assert.True(t, result.Truncated)

	result = reg.Invoke(ctx, "missing", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestRegistryClient_Invoke_EventStream(t *testing.T) {
	backend := &fakeBackend{sse: true, calls: map[string]string{
		"get_balance": `{"content":[{"type":"text","text":"Balance: 5"}]}`,
	}}
	reg := newTestRegistry(t, backend, MCPClientConfig{})

	result := reg.Invoke(context.Background(), "get_balance", nil)
	assert.True(t, result.Success)
	assert.Equal(t, "Balance: 5", result.Output)
}

func TestRegistryClient_Invoke_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client, err := NewMCPClient(MCPClientConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	reg := NewRegistryClient(client)

	result := reg.Invoke(context.Background(), "get_balance", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "error contacting tool backend")
	assert.NotEmpty(t, result.Text())
}

func TestParseMCPToolParameters(t *testing.T) {
	assert.Nil(t, parseMCPToolParameters(nil))
	assert.Nil(t, parseMCPToolParameters(json.RawMessage(`not json`)))

	params := parseMCPToolParameters(json.RawMessage(`{
		"type":"object",
		"properties":{
			"tickers":{"type":"array","description":"Symbols"},
			"when":{"type":"date"},
			"limit":{"type":"integer","default":10}
		}
	}`))
	require.Len(t, params, 3)
	assert.Equal(t, "limit", params[0].Name)
	assert.EqualValues(t, 10, params[0].Default)
	assert.Equal(t, "array", params[1].Type)
	assert.Equal(t, "string", params[2].Type, "unknown types fall back to string")
}

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/finagent/pkg/agent"
	"github.com/harun/finagent/pkg/auth"
	"github.com/harun/finagent/pkg/toolexecutor"
)

// Client message types.
const (
	MessageStart        = "start"
	MessageChat         = "message"
	MessageConfirmLogin = "confirm_login"
	MessageDashboard    = "dashboard"
)

// Server event types.
const (
	EventLoginRequired = "login_required"
	EventReady         = "ready"
	EventAnswer        = "answer"
	EventNotification  = "notification"
	EventError         = "error"
	EventShutdown      = "shutdown"
)

// ClientMessage is one frame sent by a gateway client.
type ClientMessage struct {
	Type string `json:"type"`
	// ID is echoed on the answer so clients can correlate turns.
	ID string `json:"id,omitempty"`
	// SessionID selects the tool backend session for start; a fresh one
	// is issued when empty.
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// Event is one frame sent to a gateway client.
type Event struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// LoginRequiredData is the payload of a login_required event.
type LoginRequiredData struct {
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
	Attempt int    `json:"attempt"`
}

// ReadyData is the payload of a ready event.
type ReadyData struct {
	UserID string `json:"user_id"`
}

// AnswerData is the payload of an answer event.
type AnswerData struct {
	Text      string   `json:"text"`
	ToolCalls int      `json:"tool_calls"`
	Skipped   []string `json:"skipped,omitempty"`
	Fallback  bool     `json:"fallback,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by error events.
const (
	CodeBadRequest   = "bad_request"
	CodeNotStarted   = "not_started"
	CodeUnavailable  = "backend_unavailable"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
	CodeAlreadyReady = "already_started"
	CodeAuthRequired = "auth_required"
)

// ChatSession is the per-connection assistant session. *agent.Runner
// satisfies it.
type ChatSession interface {
	Start(ctx context.Context) error
	RunTurn(ctx context.Context, utterance string) (agent.TurnResult, error)
	Dashboard(ctx context.Context, topic string) (agent.TurnResult, error)
	Identity() string
	Close(ctx context.Context) error
}

// SessionDeps are the connection-bound pieces a new session is wired with.
type SessionDeps struct {
	SessionID string
	Prompter  auth.Prompter
	Confirmer auth.Confirmer
	Notifier  toolexecutor.Notifier
}

// SessionFactory builds an unstarted session for one connection.
type SessionFactory func(deps SessionDeps) (ChatSession, error)

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Ready        bool      `json:"ready"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
}

// ClientState is the lifecycle of a connection's session.
type ClientState int

const (
	StateConnected ClientState = iota
	StateStarting
	StateReady
	StateDisconnected
)

// Client is a connected WebSocket client and its session.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	writeMu sync.Mutex

	mu           sync.Mutex
	state        ClientState
	lastActivity time.Time
	session      ChatSession
	confirmer    *auth.ChannelConfirmer
	ctx          context.Context
	cancel       context.CancelFunc
}

// WriteJSON serializes writes; gorilla connections allow one writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// State returns the session lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ClientInfo{
		ID:           c.ID,
		Ready:        c.state == StateReady,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		IPAddress:    c.IPAddress,
		Idle:         now.Sub(c.lastActivity) > 5*time.Minute,
	}
	if c.session != nil && info.Ready {
		info.UserID = c.session.Identity()
	}
	return info
}

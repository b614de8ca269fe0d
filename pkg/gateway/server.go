package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/agent"
	"github.com/harun/finagent/pkg/apperr"
	"github.com/harun/finagent/pkg/auth"
	"github.com/harun/finagent/pkg/commandqueue"
	"github.com/harun/finagent/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server exposes one assistant session per WebSocket connection.
type Server struct {
	host           string
	port           int
	auth           *AuthHandler
	sessions       SessionFactory
	turnsPerMinute int
	maxConcurrent  int
	loginTimeout   time.Duration
	queue          *commandqueue.CommandQueue
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlight       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Sessions     SessionFactory
	// Per-connection turn limits; zero selects the defaults.
	TurnsPerMinute     int
	MaxConcurrentTurns int
	// LoginTimeout bounds session start, login wait included. Zero
	// selects ten minutes.
	LoginTimeout time.Duration
	// Queue is the shared turn queue reported by /healthz.
	Queue  *commandqueue.CommandQueue
	Logger zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.TurnsPerMinute <= 0 {
		cfg.TurnsPerMinute = 30
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 4
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 10 * time.Minute
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	return &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		auth:           NewAuthHandler(cfg.SharedSecret),
		sessions:       cfg.Sessions,
		turnsPerMinute: cfg.TurnsPerMinute,
		maxConcurrent:  cfg.MaxConcurrentTurns,
		loginTimeout:   cfg.LoginTimeout,
		queue:          cfg.Queue,
		clients:        clients,
		broadcaster:    NewEventBroadcaster(clients, logger),
		logger:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the shared secret gates access
			},
		},
	}, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		connected, ready := s.clients.Counts()
		body := map[string]interface{}{
			"status":  "ok",
			"clients": connected,
			"ready":   ready,
		}
		if s.queue != nil {
			queued, running := 0, 0
			for _, lane := range s.queue.Stats() {
				queued += lane.Queued
				running += lane.Running
			}
			body["turns_queued"] = queued
			body["turns_running"] = running
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop notifies clients, waits for in-flight turns until ctx ends, then
// closes every session and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.broadcaster.Broadcast(EventShutdown, map[string]string{"message": "Server is shutting down"})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight turns completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.Snapshot() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Authorize(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected connection with bad shared secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}

	ctx, cancel := context.WithCancel(withClientID(tracing.NewRequestContext(context.Background()), clientID))
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.turnsPerMinute, s.maxConcurrent),
		state:        StateConnected,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.clients.Add(client)

	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer s.disconnect(client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch()
		s.handleMessage(client, message)
	}
}

// disconnect cancels any running turn and persists the session.
func (s *Server) disconnect(client *Client) {
	client.cancel()

	client.mu.Lock()
	sess := client.session
	client.session = nil
	client.state = StateDisconnected
	client.mu.Unlock()

	if sess != nil {
		// the connection context is already cancelled; keep its trace ids
		ctx, cancel := context.WithTimeout(tracing.MergeContext(context.Background(), client.ctx), 10*time.Second)
		if err := sess.Close(ctx); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to close session")
		}
		cancel()
	}

	client.Conn.Close()
	s.clients.Remove(client.ID)
	s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
}

func (s *Server) handleMessage(client *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(client, "", CodeBadRequest, "malformed message")
		return
	}

	switch msg.Type {
	case MessageStart:
		s.startSession(client, msg)
	case MessageConfirmLogin:
		client.mu.Lock()
		confirmer := client.confirmer
		client.mu.Unlock()
		if confirmer == nil {
			s.sendError(client, msg.ID, CodeNotStarted, "no session is waiting for login")
			return
		}
		confirmer.Confirm()
	case MessageChat:
		if strings.TrimSpace(msg.Text) == "" {
			s.sendError(client, msg.ID, CodeBadRequest, "text is required")
			return
		}
		s.runTurn(client, msg, func(ctx context.Context, sess ChatSession) (agent.TurnResult, error) {
			return sess.RunTurn(ctx, msg.Text)
		})
	case MessageDashboard:
		if strings.TrimSpace(msg.Topic) == "" {
			s.sendError(client, msg.ID, CodeBadRequest, "topic is required")
			return
		}
		s.runTurn(client, msg, func(ctx context.Context, sess ChatSession) (agent.TurnResult, error) {
			return sess.Dashboard(ctx, msg.Topic)
		})
	default:
		s.sendError(client, msg.ID, CodeBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) startSession(client *Client, msg ClientMessage) {
	logger := connLogger(client.ctx, s.logger)

	client.mu.Lock()
	if client.session != nil {
		client.mu.Unlock()
		s.sendError(client, msg.ID, CodeAlreadyReady, "session already started")
		return
	}

	confirmer := auth.NewChannelConfirmer()
	deps := SessionDeps{
		SessionID: strings.TrimSpace(msg.SessionID),
		Prompter: auth.PrompterFunc(func(ctx context.Context, prompt auth.LoginPrompt) error {
			return s.broadcaster.Send(client, Event{Type: EventLoginRequired, Data: LoginRequiredData{
				URL:     prompt.URL,
				Message: prompt.Message,
				Attempt: prompt.Attempt,
			}})
		}),
		Confirmer: confirmer,
		Notifier: toolexecutor.NotifierFunc(func(ctx context.Context, userID, message string) error {
			return s.broadcaster.Send(client, Event{Type: EventNotification, Data: map[string]string{"message": message}})
		}),
	}

	sess, err := s.sessions(deps)
	if err != nil {
		client.mu.Unlock()
		logger.Error().Err(err).Msg("Failed to create session")
		s.sendError(client, msg.ID, CodeInternal, "failed to create session")
		return
	}
	client.session = sess
	client.confirmer = confirmer
	client.state = StateStarting
	client.mu.Unlock()

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()

		// Start may wait on confirm_login, which the read loop delivers.
		startCtx, cancel := context.WithTimeout(client.ctx, s.loginTimeout)
		defer cancel()
		if err := sess.Start(startCtx); err != nil {
			logger.Warn().Err(err).Msg("Session start failed")

			client.mu.Lock()
			if client.session == sess {
				client.session = nil
				client.confirmer = nil
				client.state = StateConnected
			}
			client.mu.Unlock()
			_ = sess.Close(context.Background())

			s.sendTurnError(client, msg.ID, err)
			return
		}

		client.setState(StateReady)
		identity := sess.Identity()
		logger.Info().Str("user_id", identity).Msg("Session ready")
		_ = s.broadcaster.Send(client, Event{Type: EventReady, ID: msg.ID, Data: ReadyData{UserID: identity}})
	}()
}

func (s *Server) runTurn(client *Client, msg ClientMessage, turn func(context.Context, ChatSession) (agent.TurnResult, error)) {
	client.mu.Lock()
	sess, state := client.session, client.state
	client.mu.Unlock()
	if sess == nil || state != StateReady {
		s.sendError(client, msg.ID, CodeNotStarted, "session not started")
		return
	}

	if ok, reason := client.RateLimiter.Acquire(); !ok {
		s.sendError(client, msg.ID, CodeRateLimited, reason)
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer client.RateLimiter.Release()

		result, err := turn(client.ctx, sess)
		if err != nil {
			if client.ctx.Err() != nil {
				return
			}
			logger := connLogger(client.ctx, s.logger)
			logger.Warn().Err(err).Msg("Turn failed")
			s.sendTurnError(client, msg.ID, err)
			return
		}

		_ = s.broadcaster.Send(client, Event{Type: EventAnswer, ID: msg.ID, Data: AnswerData{
			Text:      result.Answer,
			ToolCalls: len(result.ToolCalls),
			Skipped:   result.Skipped,
			Fallback:  result.Fallback,
		}})
	}()
}

func (s *Server) sendTurnError(client *Client, id string, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, apperr.ErrBackendUnavailable):
		code = CodeUnavailable
	case errors.Is(err, apperr.ErrAuthRequired):
		code = CodeAuthRequired
	}
	s.sendError(client, id, code, err.Error())
}

func (s *Server) sendError(client *Client, id, code, message string) {
	_ = s.broadcaster.Send(client, Event{Type: EventError, ID: id, Data: ErrorData{Code: code, Message: message}})
}

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(eventType string, data interface{}) {
	s.broadcaster.Broadcast(eventType, data)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Describe()
}

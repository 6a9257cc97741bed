// Package gateway exposes the turn machine over WebSocket JSON-RPC.
// Each connection authenticates with a challenge-response handshake,
// then drives sessions through RPC methods while turn events stream
// back as push frames.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/averill/finch/internal/observability"
	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/stream"
)

// TurnMachine is the slice of the turn orchestrator the gateway drives.
type TurnMachine interface {
	ExecuteTurn(ctx context.Context, sessionID, userMessage string) error
	ResumeTurn(ctx context.Context, sessionID string, approved bool) error
	CancelTurn(ctx context.Context, sessionID string) error
}

// SessionStore is the read surface the gateway needs from the store.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// Server is the WebSocket gateway.
type Server struct {
	host            string
	port            int
	sharedSecret    string
	rateLimits      RateLimits
	shutdownTimeout time.Duration

	server      *http.Server
	upgrader    websocket.Upgrader
	clients     *clientSet
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster

	machine  TurnMachine
	sessions SessionStore
	mux      *stream.Multiplexer
	logger   zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host            string
	Port            int
	SharedSecret    string
	RateLimits      RateLimits
	ShutdownTimeout time.Duration
	Machine         TurnMachine
	Sessions        SessionStore
	Mux             *stream.Multiplexer
	Logger          zerolog.Logger
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Machine == nil {
		return nil, fmt.Errorf("turn machine is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Mux == nil {
		return nil, fmt.Errorf("event multiplexer is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	clients := newClientSet()

	s := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		sharedSecret:    cfg.SharedSecret,
		rateLimits:      cfg.RateLimits,
		shutdownTimeout: cfg.ShutdownTimeout,
		clients:         clients,
		router:          NewRPCRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, cfg.Logger),
		machine:         cfg.Machine,
		sessions:        cfg.Sessions,
		mux:             cfg.Mux,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local daemon, clients connect over loopback
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Start starts the gateway server.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server: new connections are refused,
// in-flight requests get the shutdown timeout to finish, then
// connections close.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.all() {
		s.detachClient(client, "")
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.rateLimits),
		State:        StateConnecting,
	}

	s.clients.add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.detachClient(client, "")
		client.Conn.Close()
		s.clients.remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	// Each request runs in its own goroutine; turn.submit stays in
	// flight for the whole turn while events stream alongside.
	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		response := s.router.RouteRequest(client, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// sendError sends a JSON-RPC error response to a client
func (s *Server) sendError(client *Client, id string, code int, message string) {
	response := &RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests. Stream
// attachment is not available on this path.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if secret := r.Header.Get("X-Finch-Secret"); secret != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    ParseError,
				Message: err.Error(),
			},
		})
		return
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(nil, req)
	s.inFlightReqs.Done()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
	} else {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	}
}

// forwardStream replaces the client's current stream attachment and
// pumps consumer events to the connection until the consumer closes.
func (s *Server) forwardStream(client *Client, sessionID string, consumer *stream.Consumer) {
	client.attachMu.Lock()
	if client.consumer != nil {
		s.mux.Detach(client.attachedSession, client.consumer)
	}
	client.attachedSession = sessionID
	client.consumer = consumer
	client.attachMu.Unlock()

	go func() {
		for ev := range consumer.Events() {
			frame := EventMessage{
				Type:      "event",
				Event:     "turn.event",
				Session:   sessionID,
				Seq:       ev.Sequence,
				Data:      ev,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := client.WriteJSON(frame); err != nil {
				s.logger.Warn().
					Err(err).
					Str("clientId", client.ID).
					Str("session_id", sessionID).
					Msg("Failed to forward event, detaching")
				s.mux.Detach(sessionID, consumer)
				return
			}
		}

		// Closed by detach, takeover, or overflow; tell the client the
		// live path ended so it can re-attach with from_sequence.
		_ = client.WriteJSON(EventMessage{
			Type:      "event",
			Event:     "stream.closed",
			Session:   sessionID,
			Timestamp: time.Now().UnixMilli(),
		})
	}()
}

// detachClient drops the client's stream attachment. An empty
// sessionID detaches whatever the client follows.
func (s *Server) detachClient(client *Client, sessionID string) {
	client.attachMu.Lock()
	defer client.attachMu.Unlock()

	if client.consumer == nil {
		return
	}
	if sessionID != "" && client.attachedSession != sessionID {
		return
	}

	s.mux.Detach(client.attachedSession, client.consumer)
	client.attachedSession = ""
	client.consumer = nil
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.info()
}

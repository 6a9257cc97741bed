package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/turn"
)

// registerBuiltinMethods wires the RPC surface to the turn machine,
// session store, and event multiplexer.
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("session.create", s.handleSessionCreate)
	_ = s.router.RegisterMethod("session.get", s.handleSessionGet)
	_ = s.router.RegisterMethod("session.history", s.handleSessionHistory)
	_ = s.router.RegisterMethod("turn.submit", s.handleTurnSubmit)
	_ = s.router.RegisterMethod("turn.approve", s.handleTurnApprove)
	_ = s.router.RegisterMethod("turn.cancel", s.handleTurnCancel)
	_ = s.router.RegisterMethod("turn.attach", s.handleTurnAttach)
	_ = s.router.RegisterMethod("turn.detach", s.handleTurnDetach)
	_ = s.router.RegisterMethod("system.status", s.handleSystemStatus)
}

func (s *Server) handleSessionCreate(_ *Client, params map[string]interface{}) (interface{}, error) {
	userID, _ := stringParam(params, "user_id")

	sess, err := s.sessions.CreateSession(context.Background(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Msg("Session created")
	return sess, nil
}

func (s *Server) handleSessionGet(_ *Client, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetSession(context.Background(), sessionID)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return sess, nil
}

func (s *Server) handleSessionHistory(_ *Client, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.GetSession(context.Background(), sessionID); err != nil {
		return nil, mapDomainError(err)
	}

	messages, err := s.sessions.ListMessages(context.Background(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	}, nil
}

// handleTurnSubmit runs the turn to completion in the request
// goroutine; events stream over the attached consumer while the call
// is in flight, and the response reports the terminal outcome.
func (s *Server) handleTurnSubmit(client *Client, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}

	if client != nil {
		consumer, err := s.mux.AttachLive(context.Background(), sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to attach stream: %w", err)
		}
		s.forwardStream(client, sessionID, consumer)
	}

	if err := s.machine.ExecuteTurn(context.Background(), sessionID, message); err != nil {
		return nil, mapDomainError(err)
	}

	return map[string]interface{}{"status": "done"}, nil
}

func (s *Server) handleTurnApprove(client *Client, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	approved, ok := boolParam(params, "approved")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "approved is required"}
	}

	if client != nil {
		consumer, err := s.mux.AttachLive(context.Background(), sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to attach stream: %w", err)
		}
		s.forwardStream(client, sessionID, consumer)
	}

	if err := s.machine.ResumeTurn(context.Background(), sessionID, approved); err != nil {
		return nil, mapDomainError(err)
	}

	return map[string]interface{}{"status": "done", "approved": approved}, nil
}

func (s *Server) handleTurnCancel(_ *Client, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}

	if err := s.machine.CancelTurn(context.Background(), sessionID); err != nil {
		return nil, mapDomainError(err)
	}
	return map[string]interface{}{"status": "cancelled"}, nil
}

// handleTurnAttach replays the requested turn from from_sequence and
// follows with live events. Missing turn_id means the session's most
// recent turn.
func (s *Server) handleTurnAttach(client *Client, params map[string]interface{}) (interface{}, error) {
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "turn.attach requires a websocket connection"}
	}

	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.GetSession(context.Background(), sessionID); err != nil {
		return nil, mapDomainError(err)
	}

	turnID, _ := stringParam(params, "turn_id")
	fromSeq := int64Param(params, "from_sequence")

	consumer, err := s.mux.Attach(context.Background(), sessionID, turnID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to attach: %w", err)
	}
	s.forwardStream(client, sessionID, consumer)

	return map[string]interface{}{
		"status":        "attached",
		"session_id":    sessionID,
		"from_sequence": fromSeq,
	}, nil
}

func (s *Server) handleTurnDetach(client *Client, params map[string]interface{}) (interface{}, error) {
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "turn.detach requires a websocket connection"}
	}

	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}

	s.detachClient(client, sessionID)
	return map[string]interface{}{"status": "detached"}, nil
}

func (s *Server) handleSystemStatus(_ *Client, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.count(),
		"methods": s.router.GetMethods(),
	}, nil
}

// mapDomainError translates machine and store errors into RPC errors
// with stable codes.
func mapDomainError(err error) error {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return &RPCError{Code: SessionNotFound, Message: "session not found"}
	case errors.Is(err, turn.ErrTurnAlreadyActive):
		return &RPCError{Code: TurnActive, Message: "a turn is already active for this session"}
	case errors.Is(err, turn.ErrNoPendingTurn):
		return &RPCError{Code: NoPendingTurn, Message: "no turn is awaiting approval"}
	case errors.Is(err, turn.ErrTurnCancelled):
		return &RPCError{Code: InternalError, Message: "turn cancelled"}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	value, ok := params[key].(string)
	return value, ok
}

func requireString(params map[string]interface{}, key string) (string, error) {
	value, ok := stringParam(params, key)
	if !ok || value == "" {
		return "", &RPCError{Code: InvalidParams, Message: key + " is required"}
	}
	return value, nil
}

func boolParam(params map[string]interface{}, key string) (bool, bool) {
	value, ok := params[key].(bool)
	return value, ok
}

func int64Param(params map[string]interface{}, key string) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

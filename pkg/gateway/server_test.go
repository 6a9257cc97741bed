package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/stream"
	"github.com/averill/finch/pkg/turn"
)

const testSecret = "test-secret"

// fakeMachine emits a scripted event stream through the multiplexer,
// standing in for a full turn execution.
type fakeMachine struct {
	mux       *stream.Multiplexer
	submitErr error
	resumeErr error
}

func (m *fakeMachine) ExecuteTurn(ctx context.Context, sessionID, _ string) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	turnID := "turn-1"
	for seq := int64(1); seq <= 2; seq++ {
		ev := turn.Event{
			Type:      turn.EventContentChunk,
			Sequence:  seq,
			SessionID: sessionID,
			TurnID:    turnID,
			Content:   "tok",
			Timestamp: time.Now().UnixMilli(),
		}
		if err := m.mux.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return m.mux.Publish(ctx, turn.Event{
		Type:      turn.EventTurnDone,
		Sequence:  3,
		SessionID: sessionID,
		TurnID:    turnID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *fakeMachine) ResumeTurn(context.Context, string, bool) error { return m.resumeErr }
func (m *fakeMachine) CancelTurn(context.Context, string) error       { return nil }

func setupServer(t *testing.T, mutate func(*fakeMachine)) (*Server, *store.SQLite) {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "finch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mux := stream.New(s, 0, zerolog.Nop())
	machine := &fakeMachine{mux: mux}
	if mutate != nil {
		mutate(machine)
	}

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         1, // not bound in tests
		SharedSecret: testSecret,
		Machine:      machine,
		Sessions:     s,
		Mux:          mux,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	return srv, s
}

func dialAndAuthenticate(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: signChallenge(testSecret, challenge.Challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	return conn
}

// frame is the union of response and push frames a client can read.
type frame struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Event   string          `json:"event"`
	Session string          `json:"session_id"`
	Seq     int64           `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

func readFrames(t *testing.T, conn *websocket.Conn, until func([]frame) bool) []frame {
	t.Helper()

	var frames []frame
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for !until(frames) {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
	}
	return frames
}

func TestWebSocket_RequiresAuth(t *testing.T) {
	srv, _ := setupServer(t, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	// RPC before authenticating is refused
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "system.status", JSONRPC: "2.0"}))

	var resp RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestWebSocket_SessionLifecycle(t *testing.T) {
	srv, _ := setupServer(t, nil)
	conn := dialAndAuthenticate(t, srv)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID: "1", Method: "session.create", JSONRPC: "2.0",
		Params: map[string]interface{}{"user_id": "u1"},
	}))

	frames := readFrames(t, conn, func(fs []frame) bool {
		return len(fs) > 0 && fs[len(fs)-1].ID == "1"
	})
	created := frames[len(frames)-1]
	require.Nil(t, created.Error)

	var sess store.Session
	require.NoError(t, json.Unmarshal(created.Result, &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, store.StatusIdle, sess.Status)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID: "2", Method: "session.get", JSONRPC: "2.0",
		Params: map[string]interface{}{"session_id": sess.ID},
	}))
	frames = readFrames(t, conn, func(fs []frame) bool {
		return len(fs) > 0 && fs[len(fs)-1].ID == "2"
	})
	assert.Nil(t, frames[len(frames)-1].Error)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID: "3", Method: "session.get", JSONRPC: "2.0",
		Params: map[string]interface{}{"session_id": "missing"},
	}))
	frames = readFrames(t, conn, func(fs []frame) bool {
		return len(fs) > 0 && fs[len(fs)-1].ID == "3"
	})
	require.NotNil(t, frames[len(frames)-1].Error)
	assert.Equal(t, SessionNotFound, frames[len(frames)-1].Error.Code)
}

func TestWebSocket_TurnSubmitStreamsEvents(t *testing.T) {
	srv, s := setupServer(t, nil)
	conn := dialAndAuthenticate(t, srv)

	sess, err := s.CreateSession(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID: "1", Method: "turn.submit", JSONRPC: "2.0",
		Params: map[string]interface{}{"session_id": sess.ID, "message": "hello"},
	}))

	frames := readFrames(t, conn, func(fs []frame) bool {
		for _, f := range fs {
			if f.ID == "1" {
				return true
			}
		}
		return false
	})

	var events []turn.Event
	var resp *frame
	for i := range frames {
		switch {
		case frames[i].ID == "1":
			resp = &frames[i]
		case frames[i].Event == "turn.event":
			var ev turn.Event
			require.NoError(t, json.Unmarshal(frames[i].Data, &ev))
			events = append(events, ev)
		}
	}

	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)

	// The response may land before the forwarder flushes; collect the rest.
	for len(events) < 3 {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event != "turn.event" {
			continue
		}
		var ev turn.Event
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		events = append(events, ev)
	}

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, turn.EventTurnDone, events[2].Type)
}

func TestWebSocket_TurnSubmitBusySession(t *testing.T) {
	srv, s := setupServer(t, func(m *fakeMachine) {
		m.submitErr = turn.ErrTurnAlreadyActive
	})
	conn := dialAndAuthenticate(t, srv)

	sess, err := s.CreateSession(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID: "1", Method: "turn.submit", JSONRPC: "2.0",
		Params: map[string]interface{}{"session_id": sess.ID, "message": "hello"},
	}))

	frames := readFrames(t, conn, func(fs []frame) bool {
		for _, f := range fs {
			if f.ID == "1" {
				return true
			}
		}
		return false
	})

	var resp *frame
	for i := range frames {
		if frames[i].ID == "1" {
			resp = &frames[i]
		}
	}
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, TurnActive, resp.Error.Code)
}

func TestHTTPRPC_SecretRequired(t *testing.T) {
	srv, _ := setupServer(t, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleRPC))
	defer ts.Close()

	body := strings.NewReader(`{"id":"1","method":"system.status","jsonrpc":"2.0"}`)
	resp, err := http.Post(ts.URL, "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPRPC_RoutesRequest(t *testing.T) {
	srv, _ := setupServer(t, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleRPC))
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL,
		strings.NewReader(`{"id":"1","method":"system.status","jsonrpc":"2.0"}`))
	require.NoError(t, err)
	req.Header.Set("X-Finch-Secret", testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	assert.Nil(t, rpcResp.Error)
	assert.Equal(t, "1", rpcResp.ID)
}

func TestHTTPRPC_AttachUnavailable(t *testing.T) {
	srv, s := setupServer(t, nil)

	sess, err := s.CreateSession(context.Background(), "u1")
	require.NoError(t, err)

	result, handlerErr := srv.handleTurnAttach(nil, map[string]interface{}{"session_id": sess.ID})
	assert.Nil(t, result)
	require.Error(t, handlerErr)
	rpcErr, ok := handlerErr.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, InvalidRequest, rpcErr.Code)
}

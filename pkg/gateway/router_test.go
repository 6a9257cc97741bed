package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	router := NewRPCRouter()

	tests := []struct {
		name     string
		payload  string
		wantErr  bool
		wantCode int
	}{
		{
			name:    "valid request",
			payload: `{"id":"1","method":"system.status","jsonrpc":"2.0"}`,
		},
		{
			name:    "defaults jsonrpc version",
			payload: `{"id":"1","method":"system.status"}`,
		},
		{
			name:     "missing id",
			payload:  `{"method":"system.status"}`,
			wantErr:  true,
			wantCode: InvalidRequest,
		},
		{
			name:     "missing method",
			payload:  `{"id":"1"}`,
			wantErr:  true,
			wantCode: InvalidRequest,
		},
		{
			name:     "malformed json",
			payload:  `{not json`,
			wantErr:  true,
			wantCode: ParseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := router.ParseRequest([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				rpcErr, ok := err.(*RPCError)
				require.True(t, ok)
				assert.Equal(t, tt.wantCode, rpcErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "2.0", req.JSONRPC)
		})
	}
}

func TestRouteRequest_MethodNotFound(t *testing.T) {
	router := NewRPCRouter()

	resp := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "nope", JSONRPC: "2.0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestRouteRequest_HandlerErrorsKeepRPCCodes(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("fail.typed", func(_ *Client, _ map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: TurnActive, Message: "busy"}
	}))
	require.NoError(t, router.RegisterMethod("fail.plain", func(_ *Client, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	}))

	resp := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "fail.typed", JSONRPC: "2.0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, TurnActive, resp.Error.Code)

	resp = router.RouteRequest(nil, &RPCRequest{ID: "2", Method: "fail.plain", JSONRPC: "2.0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
}

func TestRouteRequest_IdempotencyCache(t *testing.T) {
	router := NewRPCRouter()

	var calls int
	require.NoError(t, router.RegisterMethod("turn.submit", func(_ *Client, _ map[string]interface{}) (interface{}, error) {
		calls++
		return map[string]interface{}{"call": calls}, nil
	}))

	first := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "turn.submit", JSONRPC: "2.0", IdempotencyKey: "k1"})
	second := router.RouteRequest(nil, &RPCRequest{ID: "2", Method: "turn.submit", JSONRPC: "2.0", IdempotencyKey: "k1"})

	assert.Equal(t, 1, calls, "retry with same key must not re-run the handler")
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "2", second.ID, "cached response takes the retry's id")

	// A different key runs the handler again
	router.RouteRequest(nil, &RPCRequest{ID: "3", Method: "turn.submit", JSONRPC: "2.0", IdempotencyKey: "k2"})
	assert.Equal(t, 2, calls)
}

func TestRouteRequest_NoKeyNoCaching(t *testing.T) {
	router := NewRPCRouter()

	var calls int
	require.NoError(t, router.RegisterMethod("m", func(_ *Client, _ map[string]interface{}) (interface{}, error) {
		calls++
		return nil, nil
	}))

	router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "m", JSONRPC: "2.0"})
	router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "m", JSONRPC: "2.0"})
	assert.Equal(t, 2, calls)
}

package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averill/finch/pkg/auth"
)

func staticCoordinator(t *testing.T, token string) *auth.Coordinator {
	t.Helper()
	coord := auth.NewCoordinator(auth.RefresherFunc(func(context.Context, string) (auth.Token, error) {
		return auth.Token{}, fmt.Errorf("refresh should not be needed")
	}), time.Minute, zerolog.Nop())
	coord.SetToken("market_data", auth.Token{
		Value:     token,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	return coord
}

func TestHTTPMarketData_Price(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"symbol":"AAPL","price":150.0}`)
	}))
	defer ts.Close()

	md, err := NewHTTPMarketData(ts.URL, staticCoordinator(t, "tok-1"), zerolog.Nop())
	require.NoError(t, err)

	price, err := md.Price(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, price)
}

func TestHTTPMarketData_History(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/history", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("days"))
		fmt.Fprint(w, `{"closes":[10,20,30]}`)
	}))
	defer ts.Close()

	md, err := NewHTTPMarketData(ts.URL, staticCoordinator(t, "tok-1"), zerolog.Nop())
	require.NoError(t, err)

	closes, err := md.History(context.Background(), "MSFT", 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, closes)
}

func TestHTTPMarketData_UpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	md, err := NewHTTPMarketData(ts.URL, staticCoordinator(t, "tok-1"), zerolog.Nop())
	require.NoError(t, err)

	_, err = md.Price(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPMarketData_CredentialFailure(t *testing.T) {
	coord := auth.NewCoordinator(auth.RefresherFunc(func(context.Context, string) (auth.Token, error) {
		return auth.Token{}, fmt.Errorf("provider down")
	}), time.Minute, zerolog.Nop())

	md, err := NewHTTPMarketData("http://unreachable.invalid", coord, zerolog.Nop())
	require.NoError(t, err)

	_, err = md.Price(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential")
}

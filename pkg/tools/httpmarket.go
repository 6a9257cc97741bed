package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/averill/finch/pkg/auth"
)

// marketDataCredential is the coordinator key for the feed's API token.
const marketDataCredential = "market_data"

// HTTPMarketData fetches quotes from a REST market data feed. Bearer
// tokens come from the refresh coordinator, so concurrent tool calls
// share one token refresh instead of stampeding the provider.
type HTTPMarketData struct {
	baseURL string
	client  *http.Client
	creds   *auth.Coordinator
	logger  zerolog.Logger
}

// NewHTTPMarketData creates a client for the feed at baseURL.
func NewHTTPMarketData(baseURL string, creds *auth.Coordinator, logger zerolog.Logger) (*HTTPMarketData, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("market data base url is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential coordinator is required")
	}

	return &HTTPMarketData{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		creds:   creds,
		logger:  logger,
	}, nil
}

// Price implements MarketData.
func (m *HTTPMarketData) Price(ctx context.Context, symbol string) (float64, error) {
	var payload struct {
		Price float64 `json:"price"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := m.get(ctx, "/v1/quote", query, &payload); err != nil {
		return 0, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}
	return payload.Price, nil
}

// History implements MarketData.
func (m *HTTPMarketData) History(ctx context.Context, symbol string, days int) ([]float64, error) {
	var payload struct {
		Closes []float64 `json:"closes"`
	}
	query := url.Values{
		"symbol": {symbol},
		"days":   {strconv.Itoa(days)},
	}
	if err := m.get(ctx, "/v1/history", query, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}
	return payload.Closes, nil
}

func (m *HTTPMarketData) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	token, err := m.creds.EnsureFresh(ctx, marketDataCredential)
	if err != nil {
		return fmt.Errorf("credential unavailable: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("Market data request failed")
		return fmt.Errorf("market data returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

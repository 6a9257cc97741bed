package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MarketData retrieves quotes and history. The real retrieval backend is
// external; the registry only needs this narrow surface.
type MarketData interface {
	Price(ctx context.Context, symbol string) (float64, error)
	History(ctx context.Context, symbol string, days int) ([]float64, error)
}

// RegisterFinanceTools registers the built-in financial analysis tools
// against the given market data source.
func RegisterFinanceTools(reg *Registry, md MarketData) error {
	defs := []Definition{
		{
			Name:        "get_stock_price",
			Description: "Get the latest price for a stock symbol",
			Parameters: []Parameter{
				{Name: "symbol", Type: "string", Description: "Ticker symbol, e.g. AAPL", Required: true},
			},
			Handler: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
				symbol, err := symbolArg(inputs)
				if err != nil {
					return nil, err
				}
				price, err := md.Price(ctx, symbol)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"symbol": symbol, "price": price}, nil
			},
		},
		{
			Name:        "get_price_history",
			Description: "Get recent daily closing prices for a stock symbol",
			Parameters: []Parameter{
				{Name: "symbol", Type: "string", Description: "Ticker symbol, e.g. AAPL", Required: true},
				{Name: "days", Type: "integer", Description: "Number of trading days to return", Required: false},
			},
			Handler: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
				symbol, err := symbolArg(inputs)
				if err != nil {
					return nil, err
				}
				days := intArg(inputs, "days", 30)
				history, err := md.History(ctx, symbol, days)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"symbol": symbol, "closes": history}, nil
			},
		},
		{
			Name:        "compute_sma",
			Description: "Compute the simple moving average over recent closing prices",
			Parameters: []Parameter{
				{Name: "symbol", Type: "string", Description: "Ticker symbol, e.g. AAPL", Required: true},
				{Name: "window", Type: "integer", Description: "Averaging window in trading days", Required: false},
			},
			Handler: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
				symbol, err := symbolArg(inputs)
				if err != nil {
					return nil, err
				}
				window := intArg(inputs, "window", 20)
				if window < 1 {
					return nil, fmt.Errorf("window must be at least 1")
				}
				history, err := md.History(ctx, symbol, window)
				if err != nil {
					return nil, err
				}
				if len(history) < window {
					return nil, fmt.Errorf("not enough history for %s: have %d, need %d", symbol, len(history), window)
				}
				sum := 0.0
				for _, close := range history[len(history)-window:] {
					sum += close
				}
				return map[string]interface{}{
					"symbol": symbol,
					"window": window,
					"sma":    sum / float64(window),
				}, nil
			},
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func symbolArg(inputs map[string]interface{}) (string, error) {
	raw, ok := inputs["symbol"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("symbol is required")
	}
	return strings.ToUpper(strings.TrimSpace(raw)), nil
}

func intArg(inputs map[string]interface{}, key string, fallback int) int {
	switch v := inputs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// StaticMarketData is an in-memory MarketData used in tests and local
// runs without a market feed.
type StaticMarketData struct {
	mu      sync.RWMutex
	prices  map[string]float64
	history map[string][]float64
}

// NewStaticMarketData creates an empty static source.
func NewStaticMarketData() *StaticMarketData {
	return &StaticMarketData{
		prices:  make(map[string]float64),
		history: make(map[string][]float64),
	}
}

// SetPrice seeds the latest price for a symbol.
func (s *StaticMarketData) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// SetHistory seeds the daily closes for a symbol, oldest first.
func (s *StaticMarketData) SetHistory(symbol string, closes []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[strings.ToUpper(symbol)] = closes
}

// Price implements MarketData.
func (s *StaticMarketData) Price(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("unknown symbol: %s", symbol)
	}
	return price, nil
}

// History implements MarketData.
func (s *StaticMarketData) History(ctx context.Context, symbol string, days int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closes, ok := s.history[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no history for symbol: %s", symbol)
	}
	if days > 0 && len(closes) > days {
		closes = closes[len(closes)-days:]
	}
	out := make([]float64, len(closes))
	copy(out, closes)
	return out, nil
}

// Package daemon assembles the finch runtime: store, tools, model
// provider, turn machine, event multiplexer, gateway, and retention.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/averill/finch/internal/config"
	"github.com/averill/finch/internal/logger"
	"github.com/averill/finch/internal/observability"
	"github.com/averill/finch/pkg/auth"
	"github.com/averill/finch/pkg/gateway"
	"github.com/averill/finch/pkg/model"
	"github.com/averill/finch/pkg/retention"
	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/stream"
	"github.com/averill/finch/pkg/tools"
	"github.com/averill/finch/pkg/turn"
)

// Daemon is the assembled finch service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store    *store.SQLite
	mux      *stream.Multiplexer
	registry *tools.Registry
	provider *model.OpenAIProvider
	machine  *turn.Machine
	gateway  *gateway.Server
	sweeper  *retention.Sweeper
	creds    *auth.Coordinator

	metricsServer *http.Server

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New wires a daemon from config. Nothing starts until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	zlog := log.GetZerolog()

	db, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	mux := stream.New(db, cfg.Stream.BufferSize, zlog)

	creds := auth.NewCoordinator(
		staticKeyRefresher(cfg.MarketData.APIKey),
		time.Duration(cfg.Auth.RefreshMarginSeconds)*time.Second,
		zlog,
	)

	registry := tools.NewRegistry()
	md, err := buildMarketData(cfg, creds, zlog)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := tools.RegisterFinanceTools(registry, md); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	provider, err := model.NewOpenAIProvider(model.Config{
		APIKey:          cfg.Model.APIKey,
		Model:           cfg.Model.Model,
		ClassifierModel: cfg.Model.ClassifierModel,
		Temperature:     cfg.Model.Temperature,
		MaxTokens:       cfg.Model.MaxTokens,
	}, zlog)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	machine, err := turn.New(turn.Config{
		Store:                 db,
		Publisher:             mux,
		Tools:                 registry,
		Classifier:            provider,
		Synthesizer:           provider,
		Titles:                provider,
		Logger:                zlog,
		ConfidenceThreshold:   cfg.Turn.ConfidenceThreshold,
		ErrorThreshold:        cfg.Turn.ErrorThreshold,
		ClassificationRetries: cfg.Turn.ClassificationRetries,
		ToolTimeout:           time.Duration(cfg.Turn.ToolTimeoutSeconds) * time.Second,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create turn machine: %w", err)
	}

	gw, err := gateway.NewServer(gateway.Config{
		Host:            cfg.Gateway.Host,
		Port:            cfg.Gateway.Port,
		SharedSecret:    cfg.Gateway.SharedSecret,
		ShutdownTimeout: time.Duration(cfg.Turn.ShutdownTimeoutSeconds) * time.Second,
		Machine:         machine,
		Sessions:        db,
		Mux:             mux,
		Logger:          zlog,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		logger:   log,
		store:    db,
		mux:      mux,
		registry: registry,
		provider: provider,
		machine:  machine,
		gateway:  gw,
		creds:    creds,
	}

	if cfg.Retention.Enabled {
		sweeper, err := retention.New(retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   time.Duration(cfg.Retention.MaxAge) * 24 * time.Hour,
		}, db, zlog)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create retention sweeper: %w", err)
		}
		d.sweeper = sweeper
	}

	return d, nil
}

// buildMarketData picks the quote source configured for the daemon.
func buildMarketData(cfg *config.Config, creds *auth.Coordinator, zlog zerolog.Logger) (tools.MarketData, error) {
	switch cfg.MarketData.Provider {
	case "http":
		return tools.NewHTTPMarketData(cfg.MarketData.BaseURL, creds, zlog)
	default:
		return tools.NewStaticMarketData(), nil
	}
}

// staticKeyRefresher re-issues the configured API key with a rolling
// expiry. Feeds with real token endpoints replace this refresher.
func staticKeyRefresher(apiKey string) auth.RefresherFunc {
	return func(_ context.Context, credentialID string) (auth.Token, error) {
		if apiKey == "" {
			return auth.Token{}, fmt.Errorf("no api key configured for credential %s", credentialID)
		}
		return auth.Token{
			Value:     apiKey,
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}
}

// Start brings the daemon up: stale-session recovery, then the
// gateway, metrics endpoint, and retention schedule.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	ctx := context.Background()

	recovered, err := d.store.RecoverStaleSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}
	if recovered > 0 {
		zlog := d.logger.GetZerolog()
		zlog.Warn().
			Int64("sessions", recovered).
			Msg("Reset sessions left active by unclean shutdown")
	}

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if d.config.Gateway.MetricsPort > 0 {
		d.startMetricsServer()
	}

	if d.sweeper != nil {
		d.sweeper.Sweep(ctx)
		d.sweeper.Start()
	}

	d.running = true
	d.startTime = time.Now()

	zlog := d.logger.GetZerolog()
	zlog.Info().
		Int("gateway_port", d.config.Gateway.Port).
		Str("store", d.config.Store.Path).
		Msg("Daemon started")

	return nil
}

func (d *Daemon) startMetricsServer() {
	d.metricsServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.config.Gateway.Host, d.config.Gateway.MetricsPort),
		Handler: observability.MetricsHandler(),
	}

	go func() {
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog := d.logger.GetZerolog()
			zlog.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

// Stop shuts down in dependency order: gateway first so no new turns
// arrive, then streams, scheduler, and finally the store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	zlog := d.logger.GetZerolog()
	zlog.Info().Msg("Stopping daemon")

	if err := d.gateway.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Gateway shutdown error")
	}

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("Metrics server shutdown error")
		}
		cancel()
	}

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	d.mux.Close()

	if err := d.store.Close(); err != nil {
		zlog.Error().Err(err).Msg("Store close error")
	}

	d.running = false
	zlog.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlog := d.logger.GetZerolog()
	zlog.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
}

// Status describes the running daemon.
type Status struct {
	Running bool          `json:"running"`
	Uptime  time.Duration `json:"uptime"`
	Clients int           `json:"clients"`
}

// Status returns a snapshot of daemon state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.Uptime = time.Since(d.startTime)
		st.Clients = len(d.gateway.GetConnectedClients())
	}
	return st
}

// Machine exposes the turn machine, used by tests and tooling.
func (d *Daemon) Machine() *turn.Machine {
	return d.machine
}

// Store exposes the session store.
func (d *Daemon) Store() *store.SQLite {
	return d.store
}

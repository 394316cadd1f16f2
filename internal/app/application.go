package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"markethub/internal/api"
	"markethub/internal/config"
	"markethub/internal/database"
	"markethub/internal/directory"
	"markethub/internal/hub"
	"markethub/internal/websocket"
	pkgdatabase "markethub/pkg/database"
	"markethub/pkg/types"
)

// Application owns every long-lived component and their start/stop order.
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	registry   *websocket.Registry
	hub        *hub.Hub
	httpServer *http.Server
	listener   net.Listener
	log        zerolog.Logger
}

// NewApplication builds components in dependency order:
// database, directory, registry, hub, websocket handler, API, HTTP.
func NewApplication(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbManager, err := openDatabase(cfg, log)
	if err != nil {
		return nil, err
	}

	users := directory.New(dbManager, cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	registry := websocket.NewRegistry()
	messageHub := hub.New(*cfg.Hub, registry, users, dbManager, log.With().Str("component", "hub").Logger())

	wsHandler := websocket.NewHandler(registry, messageHub, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxFrameBytes:  cfg.WebSocket.MaxFrameBytes,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, log.With().Str("component", "websocket").Logger())

	apiServer := api.NewServer(messageHub, dbManager, registry, wsHandler.HandleWebSocket,
		cfg.WebSocket.AllowedOrigins, log.With().Str("component", "http").Logger())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		registry:   registry,
		hub:        messageHub,
		httpServer: httpServer,
		log:        log,
	}, nil
}

func openDatabase(cfg *config.Config, log zerolog.Logger) (*database.Manager, error) {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig, log.With().Str("component", "database").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	return dbManager, nil
}

// IssueToken signs a websocket token for a provisioned user. It serves
// operators and load tests; clients normally get tokens from the
// marketplace auth service.
func IssueToken(ctx context.Context, cfg *config.Config, userID string, ttl time.Duration, log zerolog.Logger) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid configuration: %w", err)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: token lifetime must be positive", types.ErrInvalidArgument)
	}

	dbManager, err := openDatabase(cfg, log)
	if err != nil {
		return "", err
	}
	defer func() { _ = dbManager.Close() }()

	users := directory.New(dbManager, cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	user, err := users.Lookup(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	return users.IssueToken(user, ttl)
}

// Start launches the hub and begins accepting connections. It returns once
// the listener is bound; serve errors surface through Run.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Shutdown(ctx)
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	app.log.Info().Str("addr", listener.Addr().String()).Msg("markethub started")
	return nil
}

// Serve blocks serving HTTP on the listener bound by Start.
func (app *Application) Serve() error {
	if app.listener == nil {
		return errors.New("application not started")
	}
	if err := app.httpServer.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop tears down in two phases. First the hub stops maintenance and
// timers and tells every client the service is going away; then the HTTP
// server stops, the remaining sockets close and the database closes.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down")

	var errs []error
	if err := app.hub.Shutdown(ctx); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	closed := app.registry.CloseAll()

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.log.Info().Int("connections_closed", closed).Msg("shutdown complete")
	return errors.Join(errs...)
}

// Run starts the application and serves until ctx is cancelled, then stops
// within shutdownTimeout.
func (app *Application) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := app.Start(ctx); err != nil {
		_ = app.dbManager.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.Serve)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.Stop(stopCtx)
	})
	return g.Wait()
}

// Addr returns the bound listen address, or the configured one before Start.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "markethub").Logger()
}

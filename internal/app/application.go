package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatme/internal/api"
	"chatme/internal/broker"
	"chatme/internal/config"
	"chatme/internal/database"
	"chatme/internal/events"
	"chatme/internal/sweeper"
	ws "chatme/internal/websocket"
	"chatme/pkg/interfaces"
)

// Application owns every long-lived component of the service.
type Application struct {
	config     *config.Config
	store      interfaces.KeyValueStore
	publisher  events.Publisher
	registry   *ws.Registry
	broker     *broker.Broker
	limiter    *ws.RateLimiter
	sweeper    *sweeper.Sweeper
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication wires components in dependency order:
// store, publisher, registry, broker, transport, sweeper, HTTP.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := database.Open(ctx, *cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}

	publisher, err := events.NewPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}

	registry := ws.NewRegistry()

	b := broker.New(broker.Options{
		APIKeys:    cfg.Auth.Keys(),
		MatchDelay: cfg.Broker.MatchDelay,
	}, store, registry, publisher)

	limiter := ws.NewRateLimiter(cfg.WebSocket.RateLimitPerMinute)

	wsHandler := ws.NewHandler(b, registry, limiter, ws.HandlerOptions{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxFrameBytes:  cfg.WebSocket.MaxFrameBytes,
	})

	apiServer := api.NewServer(store, b, registry, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		WebSocket:      wsHandler,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		publisher:  publisher,
		registry:   registry,
		broker:     b,
		limiter:    limiter,
		sweeper:    sweeper.New(b, limiter, cfg.Broker.SweepInterval, cfg.Broker.HibernateAfter),
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start binds the listener and serves in the background. A bind failure is
// returned directly; later serve errors are logged.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	if err := app.sweeper.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("driver", app.config.Database.Driver).
		Msg("chatme started")
	return nil
}

// Stop closes every websocket, waits for their sessions to be released,
// then shuts down HTTP, the sweeper, the publisher and the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Int("connections", app.registry.Count()).Msg("Shutting down")

	app.registry.CloseAll(websocket.CloseGoingAway, "Server shutting down")
	app.waitForDrain(ctx)
	app.broker.Wait()

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.sweeper.Stop(); err != nil && !errors.Is(err, sweeper.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("sweeper stop: %w", err))
	}
	app.publisher.Close()
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	log.Info().Msg("Shutdown complete")
	return errors.Join(errs...)
}

// waitForDrain blocks until every read pump has released its session or
// ctx expires.
func (app *Application) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for app.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			log.Warn().Int("remaining", app.registry.Count()).Msg("Shutdown deadline reached with open connections")
			return
		case <-ticker.C:
		}
	}
}

// Addr returns the bound address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Broker returns the session broker.
func (app *Application) Broker() *broker.Broker {
	return app.broker
}

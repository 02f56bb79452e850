package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/event-dedup-gateway/internal/config"
	"github.com/fairyhunter13/event-dedup-gateway/internal/coordinator"
	"github.com/fairyhunter13/event-dedup-gateway/internal/handler"
	"github.com/fairyhunter13/event-dedup-gateway/internal/identity"
	"github.com/fairyhunter13/event-dedup-gateway/internal/repository"
	"github.com/fairyhunter13/event-dedup-gateway/internal/service"
	internalvalidator "github.com/fairyhunter13/event-dedup-gateway/internal/validator"
	"github.com/fairyhunter13/event-dedup-gateway/pkg/database"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize zerolog based on configuration
	initLogger(cfg)

	for _, warning := range cfg.WarnIfDefaultCredentials() {
		log.Warn().Msg(warning)
	}

	// Process identity: generated once, surfaced in logs, used only as the
	// claim-ownership marker.
	instanceID := identity.New()
	log.Info().Str("instance_id", instanceID).Msg("instance identity generated")

	// Create context for startup
	ctx := context.Background()

	// Initialize database pool with retry
	pool, err := database.NewPool(ctx, cfg.DB.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	// The unique index on event_id must exist before any traffic is accepted.
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure database schema")
	}

	// Initialize coordinator client with retry
	coord, err := coordinator.NewClient(ctx, cfg.Redis.Addr(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to coordinator")
	}

	// Initialize Fiber with production-ready configuration
	app := fiber.New(fiber.Config{
		AppName:      "Event Dedup Gateway",
		ReadTimeout:  30 * time.Second,  // Max time to read request
		WriteTimeout: 30 * time.Second,  // Max time to write response
		IdleTimeout:  120 * time.Second, // Max time for keep-alive connections
		BodyLimit:    1 * 1024 * 1024,   // 1MB body limit (explicit, prevents large payloads)
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New()) // Adds X-Request-ID header to all requests
	app.Use(logger.New())

	// Initialize validator
	validate := internalvalidator.New()

	// Wire the dedup protocol (layered architecture)
	eventRepo := repository.NewEventRepository(pool)
	processor := service.NewProcessor(coord, eventRepo, instanceID,
		time.Duration(cfg.Dedup.TTLSeconds)*time.Second)
	eventsHandler := handler.NewEventsHandler(processor, validate, instanceID)

	// Health handler
	healthHandler := handler.NewHealthHandler(pool, coord)
	app.Get("/health", healthHandler.Check)

	// Streaming ingress: one persistent bidirectional connection per client.
	app.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/events", websocket.New(eventsHandler.Handle))

	// Start server with graceful shutdown
	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Str("instance_id", instanceID).
			Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	// Shutdown server (waits for in-flight requests)
	log.Info().Msg("waiting for in-flight sessions to complete...")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	// Close external connections AFTER server shutdown (even if shutdown timed out)
	log.Info().Msg("closing external connections...")
	pool.Close()
	if err := coord.Close(); err != nil {
		log.Error().Err(err).Msg("error closing coordinator client")
	}
	log.Info().Msg("server stopped")
}

// initLogger configures zerolog based on the application configuration.
func initLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.Log.Pretty {
		// Human-readable output for development
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

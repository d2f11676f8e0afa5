package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-rm-dispositions/internal/client"
	"github.com/pesio-ai/be-rm-dispositions/internal/config"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
	"github.com/pesio-ai/be-rm-dispositions/internal/handler"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
	"github.com/pesio-ai/be-rm-dispositions/internal/service"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Dispositions Service (RM-3)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is best-effort. The service runs fine without it, so a failed
	// connection only degrades notifications.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications disabled")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)

	itemIndexClient := client.NewItemIndexClient(cfg.Clients.ItemIndexURL)
	identityClient := client.NewIdentityClient(cfg.Clients.IdentityURL)

	wpRepo := repository.NewWorkPackageRepository(db)
	approverRepo := repository.NewApproverRepository(db)
	ledgerRepo := repository.NewItemLedgerRepository(db)
	feedbackRepo := repository.NewFeedbackRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	lifecycle := workflow.NewLifecycle()

	wpService := service.NewWorkPackageService(
		wpRepo, approverRepo, ledgerRepo, auditRepo,
		lifecycle, itemIndexClient, identityClient, notifier, log,
	)
	chainService := service.NewChainService(
		approverRepo, wpRepo, ledgerRepo, auditRepo,
		identityClient, notifier, cfg.Workflow, log,
	)
	ledgerService := service.NewLedgerService(
		ledgerRepo, approverRepo, wpRepo, feedbackRepo, auditRepo, notifier, log,
	)
	feedbackService := service.NewFeedbackService(
		feedbackRepo, ledgerRepo, approverRepo, wpRepo, auditRepo,
		identityClient, notifier, cfg.Workflow, log,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = log.Error().Err(v.Error)
			}
			evt.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("request")
			return nil
		},
	}))

	httpHandler := handler.NewHTTPHandler(wpService, chainService, ledgerService, feedbackService, log)
	httpHandler.RegisterRoutes(e)

	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zappainel/internal/api"
	"zappainel/internal/auth"
	"zappainel/internal/config"
	"zappainel/internal/db"
	"zappainel/internal/gateway"
	"zappainel/internal/jobs"
	"zappainel/internal/log"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(cfg.Environment)

	database, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		logger.Fatal().Err(err).Msg("mysql connection failed")
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(ctx, database); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("schema bootstrap failed")
	}
	cancel()

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger)
	authc := auth.NewClient(cfg.AuthBaseURL, cfg.AuthServiceKey)

	server := api.NewServer(database, cfg, logger, gw, authc)

	reconciler := jobs.NewReconciler(database, gw, server, logger)
	if err := reconciler.Start(cfg.ReconcileSpec); err != nil {
		logger.Error().Err(err).Msg("reconciler start failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	reconciler.Stop()
	server.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

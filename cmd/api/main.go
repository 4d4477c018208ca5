package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/markdave123-py/docanchor/internal/app"
	"github.com/markdave123-py/docanchor/internal/config"
)

func main() {
	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.LoadConfig()
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	application.Log.Info("docanchor is running; DB connected and bootstrapped")
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			application.Log.WithError(err).Error("server error")
		}
	}
	application.Log.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		application.Log.WithError(err).Warn("http shutdown")
	}
	application.Close(shutdownCtx)
}

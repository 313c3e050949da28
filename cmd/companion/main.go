package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"salonpad/companion-sync/internal/app"
	"salonpad/companion-sync/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger.Info("companion display starting",
		"device_name", cfg.DeviceName,
		"broker", cfg.BrokerURL,
		"http_port", cfg.HTTPPort,
		"directory_configured", cfg.DirectoryBaseURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("companion display terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("companion display stopped cleanly")
}

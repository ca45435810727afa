package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/AstraDraw/astradraw-sub000/internal/relay"
	"github.com/AstraDraw/astradraw-sub000/pkg/config"
	"github.com/AstraDraw/astradraw-sub000/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelDebug)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := relay.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

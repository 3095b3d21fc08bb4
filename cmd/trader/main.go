package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer logger.Sync()

	// Graceful shutdown по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	logger.Info("signaltrader starting",
		zap.String("mode", cfg.Trading.Mode),
		zap.Int("traders", len(cfg.Trading.Traders)),
		zap.Bool("http", cfg.Server.Enabled),
	)

	runErr := app.Run(ctx)
	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
	}

	logger.Info("shutting down")
	if err := app.Close(); err != nil {
		logger.Error("shutdown errors", zap.Error(err))
	}
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("signaltrader exited")
}

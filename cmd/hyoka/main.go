package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hyoka"
	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/service/gateway"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("HYOKA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.GatewayURL == "" {
		return errors.New("HYOKA_GATEWAY_URL is required")
	}

	gw, err := gateway.New(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	if err != nil {
		return err
	}

	app, err := hyoka.New(
		hyoka.WithLogger(logger),
		hyoka.WithVersion(version),
		hyoka.WithGenerator(gw),
		hyoka.WithRunner(gw),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/riptide-dl/riptide/cmd/riptide"
	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/data", "path to the data folder")
	flag.Parse()

	config.SetConfigPath(configPath)
	cfg := config.Get()
	logger.Init(cfg.Path, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := riptide.Start(ctx); err != nil {
		log := logger.Default()
		log.Error().Err(err).Msg("Riptide exited with error")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("ALERTD_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("exited")
}

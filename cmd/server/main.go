package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"motion/internal/config"
	"motion/internal/logger"
	"motion/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	s, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize server", zap.Error(err))
	}

	if err := s.Run(context.Background()); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
}

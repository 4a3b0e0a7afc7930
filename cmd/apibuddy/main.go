// Package main is the entry point for the API Buddy caching proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apibuddy/apibuddy/internal/config"
	"github.com/apibuddy/apibuddy/internal/observability"
	"github.com/apibuddy/apibuddy/internal/proxy"
	"github.com/apibuddy/apibuddy/internal/security"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	genKey := flag.Bool("generate-key", false, "print a fresh proxy access key and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("apibuddy", version)
		return
	}
	if *genKey {
		fmt.Println(security.GenerateKey())
		return
	}

	// Bootstrap logger, replaced once the config is known.
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel("info"),
		Output:     os.Stdout,
		JSONFormat: true,
	}, nil)

	var (
		cfgManager *config.Manager
		err        error
	)
	if *configPath != "" {
		cfgManager, err = config.NewManager(*configPath, logger.Slog())
	} else {
		cfgManager, err = config.NewStaticManager(config.DefaultConfig(), logger.Slog())
	}
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfg := cfgManager.Get()
	redactor := observability.NewRedactor(cfg.Security.SecureKey)
	logger = observability.NewLoggerFromConfig(cfg.Logging, redactor)

	logger.Info("starting apibuddy", "version", version, "config", *configPath)

	p, err := proxy.New(cfgManager, logger)
	if err != nil {
		logger.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}

	if err := p.Start(false); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := p.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vkarpenko/tvstream/internal/app"
	"github.com/vkarpenko/tvstream/internal/config"
	"github.com/vkarpenko/tvstream/pkg/logger"
)

func main() {
	configPath := pflag.String("config", "", "path to config file (optional, env/defaults otherwise)")
	mode := pflag.String("mode", "stream", "run mode: stream (realtime watch service) or candles (one-shot fetch)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Logging.DevMode {
		cfg.Print()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Sugar().Infow("starting service",
		"service.name", cfg.ServiceName,
		"service.version", cfg.ServiceVersion,
		"mode", *mode,
	)

	switch *mode {
	case "stream":
		err = app.Run(ctx, cfg, log)
	case "candles":
		err = app.RunCandles(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown mode %q, want stream or candles", *mode)
	}
	if err != nil {
		log.Sugar().Errorw("application exited with error", "error", err)
		os.Exit(1)
	}

	log.Sugar().Infow("shutdown complete")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"salesdesk/assistant/internal/app"
	"salesdesk/assistant/internal/config"
)

func main() {
	configFile := flag.String("config", "", "YAML config file; overrides CONFIG_FILE")
	flag.Parse()
	if *configFile != "" {
		_ = os.Setenv("CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		fatal("create app", err)
	}

	if err := a.Run(ctx); err != nil {
		fatal("run app", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

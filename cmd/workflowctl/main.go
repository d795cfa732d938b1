package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lab-backend/internal/bootstrap"
	"lab-backend/internal/shared/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(openApp, os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func openApp(configPath string) (*bootstrap.App, error) {
	cfg := config.Load()
	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			return nil, err
		}
	}
	return bootstrap.Build(cfg)
}

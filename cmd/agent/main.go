package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kataras/golog"

	"github.com/Acbn-Nick/webmumble/internal/agent"
	"github.com/Acbn-Nick/webmumble/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		golog.Fatalf("load config: %v", err)
	}
	golog.SetLevel(cfg.Logging.Level)
	golog.Infof("webmumble agent starting, bridge %s", cfg.Bridge.URL)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		golog.Infof("signal %v received, shutting down", sig)
		cancel()
	}()

	if err := agent.New(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		golog.Fatalf("agent: %v", err)
	}
	golog.Infof("agent stopped")
}

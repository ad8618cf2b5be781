// Package main is the entry point for a relay process. Run as many as needed
// behind a load balancer; no session affinity is required.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/bootstrap"
	"github.com/nmxmxh/ovasabi-relay/internal/config"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("Relay exited with error", zap.Error(err))
		stop()
		_ = log.Sync()
		os.Exit(1)
	}
}

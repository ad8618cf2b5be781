package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/ovasabi-relay/internal/config"
	"github.com/nmxmxh/ovasabi-relay/internal/server"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"github.com/nmxmxh/ovasabi-relay/pkg/tracing"
)

const (
	readyTimeout          = 30 * time.Second
	systemMetricsInterval = 15 * time.Second
)

// Run starts the process and blocks until ctx is cancelled or a loop fails.
// Subscriptions are confirmed before the HTTP listener accepts connections.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	_, shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTLPEndpoint,
		Disabled:       cfg.TracingDisabled,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("Failed to shutdown tracing", zap.Error(err))
			}
		}()
	}

	deps, err := Initialize(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()
	log = deps.Logger

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Rooms.Listen(gctx) })
	g.Go(func() error { return deps.Relay.Listen(gctx) })
	g.Go(func() error { return deps.Consumer.Subscribe(gctx, deps.Fanout.HandleEnvelope) })
	g.Go(func() error { return deps.Keeper.Run(gctx) })
	g.Go(func() error {
		metrics.CollectSystemMetrics(gctx, systemMetricsInterval)
		return nil
	})

	if err := waitReady(gctx, deps.Rooms.Ready(), deps.Relay.Ready()); err != nil {
		log.Error("Relay subscriptions not ready", zap.Error(err))
		cancel()
		_ = g.Wait()
		return err
	}

	srv := server.New(server.Options{
		Addr:          net.JoinHostPort("", cfg.HTTPPort),
		Sessions:      deps.Sessions,
		Health:        deps.Health.Handler(),
		Publisher:     deps.Publisher,
		InternalToken: cfg.InternalToken,
	}, log)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return deps.Sessions.Shutdown(shutdownCtx)
	})

	log.Info("Relay process started", zap.String("port", cfg.HTTPPort))
	err = g.Wait()
	log.Info("Relay process stopped", zap.Error(err))
	return err
}

// waitReady blocks until every channel is closed.
func waitReady(ctx context.Context, ready ...<-chan struct{}) error {
	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	for _, ch := range ready {
		select {
		case <-ch:
		case <-ctx.Done():
			if err := context.Cause(ctx); err != nil && err != context.Canceled {
				return err
			}
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("subscriptions not confirmed within %s", readyTimeout)
		}
	}
	return nil
}

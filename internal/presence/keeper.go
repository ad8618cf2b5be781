package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// HandleSource lists the handles of connections held by this process.
type HandleSource func() []Handle

// Keeper refreshes this process's heartbeat and re-asserts its handles on a
// cron schedule so peers can tell live entries from leftovers of a crash.
type Keeper struct {
	registry  *Registry
	processID string
	source    HandleSource
	interval  time.Duration
	log       *zap.Logger
	cron      *cron.Cron
}

func NewKeeper(registry *Registry, processID string, source HandleSource, log *zap.Logger) *Keeper {
	// Three beats per TTL tolerate one missed tick.
	interval := registry.heartbeatTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &Keeper{
		registry:  registry,
		processID: processID,
		source:    source,
		interval:  interval,
		log:       log.With(zap.String("module", "presence_keeper"), zap.String("process_id", processID)),
		cron:      cron.New(),
	}
}

// Run beats once immediately, then on schedule until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.registry.Heartbeat(ctx, k.processID); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	spec := fmt.Sprintf("@every %s", k.interval)
	if _, err := k.cron.AddFunc(spec, func() { k.Beat(ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	k.cron.Start()
	k.log.Info("Presence keeper started", zap.Duration("interval", k.interval))

	<-ctx.Done()
	<-k.cron.Stop().Done()
	return nil
}

// Beat performs one heartbeat and resync. Users whose last handle turned out
// to be stale are announced offline.
func (k *Keeper) Beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := k.registry.Heartbeat(ctx, k.processID); err != nil {
		k.log.Warn("Heartbeat failed", zap.Error(err))
		return
	}
	if k.source == nil {
		return
	}
	vacated, err := k.registry.Resync(ctx, k.processID, k.source)
	if err != nil {
		k.log.Warn("Presence resync failed", zap.Error(err))
		return
	}
	for _, userID := range vacated {
		if err := k.registry.PublishStatus(ctx, userID, StatusOffline); err != nil {
			k.log.Warn("Failed to publish offline status", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

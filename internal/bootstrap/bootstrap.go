// Package bootstrap assembles one relay process from configuration and runs
// its long-lived loops until shutdown.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/bus"
	"github.com/nmxmxh/ovasabi-relay/internal/config"
	"github.com/nmxmxh/ovasabi-relay/internal/dedup"
	"github.com/nmxmxh/ovasabi-relay/internal/events"
	"github.com/nmxmxh/ovasabi-relay/internal/fanout"
	"github.com/nmxmxh/ovasabi-relay/internal/membership"
	"github.com/nmxmxh/ovasabi-relay/internal/pending"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/internal/repository"
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/internal/session"
	"github.com/nmxmxh/ovasabi-relay/pkg/health"
	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

// Dependencies holds every component of a running process.
type Dependencies struct {
	ProcessID string
	Logger    *zap.Logger

	Redis    *redisutil.Client
	DB       *sql.DB
	Producer *bus.Producer
	Consumer *bus.Consumer

	Rooms     *room.Adapter
	Relay     *events.Relay
	Publisher *events.Publisher
	Fanout    *fanout.Handler
	Keeper    *presence.Keeper
	Sessions  *session.Manager
	Health    *health.HealthChecker
}

func busConfig(cfg *config.Config, processID string) bus.Config {
	return bus.Config{
		Brokers:           cfg.KafkaBrokers,
		Topic:             cfg.KafkaTopic,
		Partitions:        cfg.KafkaPartitions,
		ReplicationFactor: cfg.KafkaReplicationFactor,
		GroupIDSeed:       cfg.KafkaGroupSeed,
		ProcessID:         processID,
		MaxRetries:        cfg.BusMaxRetries,
		MaxBackoff:        cfg.BusMaxBackoff,
	}
}

// Initialize connects to every backing service. Exhausting startup retries
// is fatal; the caller exits.
func Initialize(ctx context.Context, cfg *config.Config, log *zap.Logger) (deps *Dependencies, err error) {
	processID := uuid.NewString()
	log = log.With(zap.String("process_id", processID))
	deps = &Dependencies{ProcessID: processID, Logger: log}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	deps.Redis, err = redisutil.NewClient(ctx, redisutil.Config{
		Addrs:        cfg.RedisAddrs,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		return deps, fmt.Errorf("failed to connect to redis: %w", err)
	}

	deps.DB, err = repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return deps, fmt.Errorf("failed to open database: %w", err)
	}
	store := repository.NewPostgresStore(deps.DB, log)

	busCfg := busConfig(cfg, processID)
	if err = bus.EnsureTopic(ctx, busCfg, log); err != nil {
		return deps, fmt.Errorf("failed to provision topic: %w", err)
	}
	deps.Producer = bus.NewProducer(busCfg, log)
	client := deps.Redis.UniversalClient
	deps.Consumer = bus.NewConsumer(busCfg, log).WithDeadLetter(func(ctx context.Context, value []byte, cause error) {
		_ = redisutil.EmitToDLQ(ctx, client, log, "bus:"+cfg.KafkaTopic, value, cause)
	})

	hub := room.NewHub(log)
	registry := presence.NewRegistry(client, log, cfg.PresenceHeartbeatTTL)
	queue := pending.NewQueue(client, log, cfg.PendingRetention)
	members := membership.NewCache(client, log)

	deps.Rooms = room.NewAdapter(hub, client, processID, log)
	deps.Relay, err = events.NewRelay(hub, client, log)
	if err != nil {
		return deps, err
	}
	deps.Publisher = events.NewPublisher(client, registry, queue, members, log)
	deps.Fanout = fanout.NewHandler(dedup.NewWindow(cfg.DedupSize, cfg.DedupTTL), registry, members, hub, processID, log)

	deps.Sessions = session.NewManager(session.Config{
		ProcessID:        processID,
		JWTSecret:        cfg.JWTSecret,
		HandshakeTimeout: cfg.HandshakeTimeout,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, session.Dependencies{
		Rooms:     deps.Rooms,
		Presence:  registry,
		Pending:   queue,
		Publisher: deps.Publisher,
		Producer:  deps.Producer,
		Members:   members,
		Store:     store,
	}, log)
	deps.Keeper = presence.NewKeeper(registry, processID, deps.Sessions.Handles, log)

	deps.Health = health.NewHealthChecker()
	deps.Health.Register(health.NewRedisHealthCheck("redis", client))
	deps.Health.Register(health.NewKafkaHealthCheck("kafka", cfg.KafkaBrokers))
	deps.Health.Register(newDatabaseHealthCheck("postgres", deps.DB))

	return deps, nil
}

// Close releases connections in reverse order of acquisition.
func (d *Dependencies) Close() {
	if d.Consumer != nil {
		if err := d.Consumer.Close(); err != nil {
			d.Logger.Warn("Failed to close consumer", zap.Error(err))
		}
	}
	if d.Producer != nil {
		if err := d.Producer.Close(); err != nil {
			d.Logger.Warn("Failed to close producer", zap.Error(err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
}

type databaseHealthCheck struct {
	name string
	db   *sql.DB
}

func newDatabaseHealthCheck(name string, db *sql.DB) *databaseHealthCheck {
	return &databaseHealthCheck{name: name, db: db}
}

func (d *databaseHealthCheck) Check(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *databaseHealthCheck) Name() string                    { return d.name }

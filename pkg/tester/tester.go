// Package tester starts throwaway Redis and Postgres containers for
// integration tests.
package tester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// Tester owns the containers started for one test and the clients bound to them.
type Tester struct {
	Name            string
	DB              *sql.DB
	Redis           redis.UniversalClient
	PostgresConnStr string
	RedisAddr       string
	Log             *zap.Logger

	containers []testcontainers.Container
}

func NewTester(name string, log *zap.Logger) *Tester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tester{Name: name, Log: log.With(zap.String("tester", name))}
}

// SetupPostgres starts a Postgres container, assigns DB and connection string, and runs optional migration.
func (t *Tester) SetupPostgres(ctx context.Context, migration func(db *sql.DB) error) error {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "test_db",
			"POSTGRES_USER":     "test_user",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := t.start(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start Postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Postgres host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return fmt.Errorf("failed to get Postgres port: %w", err)
	}
	connStr := fmt.Sprintf("host=%s port=%s user=test_user password=test_password dbname=test_db sslmode=disable",
		host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := waitForPostgres(ctx, db, 10*time.Second); err != nil {
		_ = db.Close()
		return fmt.Errorf("postgres not ready: %w", err)
	}
	if migration != nil {
		if err := migration(db); err != nil {
			_ = db.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	t.DB = db
	t.PostgresConnStr = connStr
	return nil
}

// waitForPostgres pings the DB until it is ready or times out.
func waitForPostgres(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for Postgres to be ready")
		}
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// SetupRedis starts a Redis container and binds a client to it.
func (t *Tester) SetupRedis(ctx context.Context) error {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	container, err := t.start(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start Redis container: %w", err)
	}
	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to get Redis endpoint: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis not ready: %w", err)
	}
	t.Redis = client
	t.RedisAddr = addr
	return nil
}

func (t *Tester) start(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if container != nil {
		t.containers = append(t.containers, container)
	}
	if err != nil {
		return nil, err
	}
	t.Log.Debug("Started container", zap.String("image", req.Image))
	return container, nil
}

// Teardown closes clients and terminates every container.
func (t *Tester) Teardown(ctx context.Context) error {
	var errs []error
	if t.Redis != nil {
		errs = append(errs, t.Redis.Close())
	}
	if t.DB != nil {
		errs = append(errs, t.DB.Close())
	}
	for _, c := range t.containers {
		if err := c.Terminate(ctx); err != nil {
			t.Log.Warn("Failed to terminate container", zap.Error(err))
			errs = append(errs, err)
		}
	}
	t.containers = nil
	return errors.Join(errs...)
}

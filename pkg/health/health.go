// Package health reports whether the relay's backing services are reachable.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

const defaultCheckTimeout = 2 * time.Second

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: defaultCheckTimeout,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check runs every check concurrently, each bounded by the checker timeout.
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	checks := append([]HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			err := check.Check(cctx)
			mu.Lock()
			results[check.Name()] = err
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return results
}

// Report is the body served by Handler.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler serves the aggregated status; any failing check answers 503.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: StatusUp, Checks: map[string]string{}}
		for name, err := range hc.Check(r.Context()) {
			if err != nil {
				report.Status = StatusDown
				report.Checks[name] = err.Error()
				continue
			}
			report.Checks[name] = string(StatusUp)
		}
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// RedisHealthCheck checks Redis connectivity
type RedisHealthCheck struct {
	name   string
	client redis.UniversalClient
}

func NewRedisHealthCheck(name string, client redis.UniversalClient) *RedisHealthCheck {
	return &RedisHealthCheck{name: name, client: client}
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}

// KafkaHealthCheck dials the brokers until one answers.
type KafkaHealthCheck struct {
	name    string
	brokers []string
}

func NewKafkaHealthCheck(name string, brokers []string) *KafkaHealthCheck {
	return &KafkaHealthCheck{name: name, brokers: brokers}
}

func (k *KafkaHealthCheck) Check(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (k *KafkaHealthCheck) Name() string {
	return k.name
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string
	HTTPPort string

	KafkaBrokers           []string
	KafkaTopic             string
	KafkaPartitions        int
	KafkaReplicationFactor int
	KafkaGroupSeed         string
	BusMaxRetries          int
	BusMaxBackoff          time.Duration

	RedisAddrs        []string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	DedupTTL             time.Duration
	DedupSize            int
	PendingRetention     time.Duration
	PresenceHeartbeatTTL time.Duration

	JWTSecret        string
	HandshakeTimeout time.Duration
	DatabaseURL      string
	InternalToken    string
	AllowedOrigins   []string

	OTLPEndpoint    string
	TracingDisabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:         getenv("APP_ENV", "development"),
		AppName:        getenv("APP_NAME", "ovasabi-relay"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		HTTPPort:       getenv("HTTP_PORT", "8090"),
		KafkaBrokers:   splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:     getenv("KAFKA_TOPIC", "chat-messages"),
		KafkaGroupSeed: getenv("KAFKA_GROUP_SEED", "chat-relay-group"),
		RedisAddrs:     splitList(getenv("REDIS_ADDRS", "localhost:6379")),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		InternalToken:  os.Getenv("INTERNAL_TOKEN"),
		AllowedOrigins: splitList(getenv("ALLOWED_ORIGINS", "*")),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"KAFKA_PARTITIONS", 3, &cfg.KafkaPartitions},
		{"KAFKA_REPLICATION_FACTOR", 1, &cfg.KafkaReplicationFactor},
		{"BUS_MAX_RETRIES", 10, &cfg.BusMaxRetries},
		{"REDIS_DB", 0, &cfg.RedisDB},
		{"REDIS_POOL_SIZE", 0, &cfg.RedisPoolSize},
		{"REDIS_MIN_IDLE_CONNS", 0, &cfg.RedisMinIdleConns},
		{"REDIS_MAX_RETRIES", 3, &cfg.RedisMaxRetries},
		{"DEDUP_SIZE", 100000, &cfg.DedupSize},
	}
	for _, v := range ints {
		*v.dst, err = intEnv(v.name, v.def)
		if err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"BUS_MAX_BACKOFF", 3 * time.Second, &cfg.BusMaxBackoff},
		{"DEDUP_TTL", 5 * time.Second, &cfg.DedupTTL},
		{"PENDING_RETENTION", 168 * time.Hour, &cfg.PendingRetention},
		{"PRESENCE_HEARTBEAT_TTL", 90 * time.Second, &cfg.PresenceHeartbeatTTL},
		{"HANDSHAKE_TIMEOUT", 10 * time.Second, &cfg.HandshakeTimeout},
	}
	for _, v := range durations {
		*v.dst, err = durationEnv(v.name, v.def)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("OTEL_SDK_DISABLED"); v != "" {
		cfg.TracingDisabled, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	if c.JWTSecret == "" || c.DatabaseURL == "" {
		return fmt.Errorf("missing required environment variables: JWT_SECRET and DATABASE_URL must be set")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if len(c.RedisAddrs) == 0 {
		return fmt.Errorf("REDIS_ADDRS must list at least one address")
	}
	if c.KafkaPartitions < 1 || c.KafkaReplicationFactor < 1 {
		return fmt.Errorf("KAFKA_PARTITIONS and KAFKA_REPLICATION_FACTOR must be positive")
	}
	if c.BusMaxRetries < 10 {
		return fmt.Errorf("BUS_MAX_RETRIES must be at least 10, got %d", c.BusMaxRetries)
	}
	if c.DedupTTL <= 0 || c.DedupSize <= 0 {
		return fmt.Errorf("DEDUP_TTL and DEDUP_SIZE must be positive")
	}
	return nil
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

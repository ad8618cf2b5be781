package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int
	ReplicationFactor int
	GroupIDSeed       string
	ProcessID         string
	// MaxRetries bounds startup and publish attempts.
	MaxRetries int
	MaxBackoff time.Duration
}

// GroupID is unique per process so the group never shares partitions.
func (c Config) GroupID() string {
	return fmt.Sprintf("%s-%s", c.GroupIDSeed, c.ProcessID)
}

// retryPolicy is exponential backoff capped at MaxBackoff. maxRetries <= 0
// retries until ctx is done.
func (c Config) retryPolicy(ctx context.Context, maxRetries int) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	if c.MaxBackoff > 0 {
		exp.MaxInterval = c.MaxBackoff
		if exp.InitialInterval > c.MaxBackoff {
			exp.InitialInterval = c.MaxBackoff
		}
	}
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(exp, uint64(maxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Package dedup suppresses redundant handling of envelopes redelivered by the
// message bus. The window is process-local and short lived; it is a
// redelivery guard, not a durable idempotency ledger.
package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL  = 5 * time.Second
	DefaultSize = 100000
)

// Window remembers envelope ids for a fixed TTL.
type Window struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewWindow(size int, ttl time.Duration) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Window{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether id was marked within the window and marks it if not.
// An expired mark counts as unseen.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.cache.Get(id); ok {
		return true
	}
	w.cache.Add(id, struct{}{})
	return false
}

// Len returns the number of ids currently held.
func (w *Window) Len() int {
	return w.cache.Len()
}

package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/forgeci/control_plane/observability"
)

// DefaultTTL bounds how long a claim is remembered.
const DefaultTTL = 24 * time.Hour

// Guard hands out once-only claims. The first Claim for a key wins; every
// later Claim for the same key within the TTL reports false until the
// holder calls Release.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds a namespaced claim key.
// Format: forgeci:{kind}:{id}
func Key(kind string, id any) string {
	return fmt.Sprintf("forgeci:%s:%v", kind, id)
}

// MemoryGuard keeps claims in process memory.
type MemoryGuard struct {
	cache sync.Map
	ttl   time.Duration
	now   func() time.Time
}

type entry struct {
	timestamp time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{ttl: ttl, now: time.Now}
}

func (g *MemoryGuard) Claim(ctx context.Context, key string) (bool, error) {
	now := g.now()
	for {
		val, loaded := g.cache.LoadOrStore(key, entry{timestamp: now})
		if !loaded {
			observability.IdempotencyClaims.WithLabelValues("acquired").Inc()
			return true, nil
		}
		e := val.(entry)
		if now.Sub(e.timestamp) <= g.ttl {
			observability.IdempotencyClaims.WithLabelValues("duplicate").Inc()
			return false, nil
		}
		// Expired: only the caller that swaps the stale entry out wins.
		if g.cache.CompareAndSwap(key, e, entry{timestamp: now}) {
			observability.IdempotencyClaims.WithLabelValues("acquired").Inc()
			return true, nil
		}
	}
}

// Release drops a claim so the next Claim for key wins again.
func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.cache.Delete(key)
	return nil
}

package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryGuardClaimsOnce(t *testing.T) {
	g := NewMemoryGuard(time.Hour)
	ctx := context.Background()
	key := Key("console-relocation", 42)
	assert.Equal(t, "forgeci:console-relocation:42", key)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Claim(ctx, key)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryGuardExpires(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	ok, _ := g.Claim(context.Background(), "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Claim(context.Background(), "k")
	assert.True(t, ok, "an expired claim can be taken again")
}

func TestMemoryGuardRelease(t *testing.T) {
	g := NewMemoryGuard(time.Hour)
	ctx := context.Background()

	ok, _ := g.Claim(ctx, "k")
	assert.True(t, ok)
	ok, _ = g.Claim(ctx, "k")
	assert.False(t, ok)

	assert.NoError(t, g.Release(ctx, "k"))
	ok, _ = g.Claim(ctx, "k")
	assert.True(t, ok, "a released claim can be taken again")
}

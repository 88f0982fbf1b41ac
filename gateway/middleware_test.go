package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	current := time.Now()
	rl := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	rl.now = func() time.Time { return current }
	rl.lastPrune = current

	rl.limiterFor("10.0.0.1")
	rl.limiterFor("10.0.0.2")
	rl.mu.Lock()
	require.Len(t, rl.visitors, 2)
	rl.mu.Unlock()

	// One client keeps talking past the idle window, the other goes quiet.
	current = current.Add(visitorTTL)
	rl.limiterFor("10.0.0.2")
	current = current.Add(pruneInterval + time.Second)
	rl.limiterFor("10.0.0.3")

	rl.mu.Lock()
	_, quietAlive := rl.visitors["10.0.0.1"]
	_, activeAlive := rl.visitors["10.0.0.2"]
	_, newAlive := rl.visitors["10.0.0.3"]
	rl.mu.Unlock()
	require.False(t, quietAlive, "idle client bucket must be evicted")
	require.True(t, activeAlive)
	require.True(t, newAlive)
}

func TestRateLimiterRefreshesLastSeenOnUse(t *testing.T) {
	current := time.Now()
	rl := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	rl.now = func() time.Time { return current }
	rl.lastPrune = current

	first := rl.limiterFor("10.0.0.1")
	require.Same(t, first, rl.limiterFor("10.0.0.1"), "an active client keeps its bucket")

	// Repeated use inside the window never loses the bucket to a prune.
	for i := 0; i < 30; i++ {
		current = current.Add(pruneInterval)
		require.Same(t, first, rl.limiterFor("10.0.0.1"))
	}
}

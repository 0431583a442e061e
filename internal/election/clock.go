package election

import (
	"math/rand"
	"sync"
	"time"
)

// clock samples election timeouts and stall decisions from one seeded source.
type clock struct {
	mu  sync.Mutex
	rng *rand.Rand

	lo time.Duration
	hi time.Duration
}

func newClock(seed int64, lo, hi time.Duration) *clock {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &clock{rng: rand.New(rand.NewSource(seed)), lo: lo, hi: hi}
}

// electionTimeout returns a duration drawn uniformly from [lo, hi].
func (c *clock) electionTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	span := c.hi - c.lo
	if span <= 0 {
		return c.lo
	}
	return c.lo + time.Duration(c.rng.Int63n(int64(span)+1))
}

// oneIn reports true with probability 1/n.
func (c *clock) oneIn(n int) bool {
	if n <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n) == 0
}

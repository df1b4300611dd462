package classify

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Calculator computes retry delays with exponential backoff.
// Delay = min(max(Base * 2^attempt, category min delay), Cap) + jitter.
type Calculator struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCalculator returns a calculator with the default curve:
// 2s base, 300s cap, up to 1s of jitter.
func NewCalculator() *Calculator {
	return &Calculator{
		Base:      2 * time.Second,
		Cap:       300 * time.Second,
		MaxJitter: 1 * time.Second,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (0-indexed) for the
// given category. Monotonically non-decreasing in attempt up to the cap,
// modulo jitter.
func (c *Calculator) Delay(cat Category, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(c.Base) * math.Pow(2, float64(attempt))
	if min := PolicyFor(cat).MinDelay; d < float64(min) {
		d = float64(min)
	}
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}

	return time.Duration(d) + c.jitter()
}

func (c *Calculator) jitter() time.Duration {
	if c.MaxJitter <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(c.rng.Int63n(int64(c.MaxJitter)))
}

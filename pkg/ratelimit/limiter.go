package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"convsync/pkg/metrics"
)

type Config struct {
	RPS   float64
	Burst int
}

func DefaultConfig() Config {
	return Config{
		RPS:   5.0,
		Burst: 10,
	}
}

// Limiter hands out one token bucket per outbound destination so a slow platform does not
// consume another platform's budget.
type Limiter struct {
	config   Config
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func New(config Config) *Limiter {
	if config.RPS <= 0 {
		config = DefaultConfig()
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Limiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(l.config.RPS), l.config.Burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until key may send another request or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	err := l.get(key).Wait(ctx)
	metrics.RecordRateLimitWait(key, time.Since(start))
	return err
}

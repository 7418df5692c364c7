package piece

import (
	"time"

	underscore "github.com/ahl5esoft/golang-underscore"
)

var (
	DOWNLOAD_RATE_LIMIT = 1024 * 1024 // 1 MiB/s
	RATE_WINDOW         = 5 * time.Second
)

type rateSample struct {
	at    time.Time
	bytes int
}

// rateLimiter keeps a sliding window of download samples. Pruning is
// lazy; it only happens when the window is inspected, not when a sample
// is recorded.
type rateLimiter struct {
	limit   int // bytes per second
	window  time.Duration
	samples []rateSample
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		limit:  DOWNLOAD_RATE_LIMIT,
		window: RATE_WINDOW,
		now:    time.Now,
	}
}

func sumSamples(acc int, s rateSample, _ int) int {
	return acc + s.bytes
}

// check reports whether downloading n more bytes would keep the rate
// within the configured limit.
func (rl *rateLimiter) check(n int) bool {
	cutoff := rl.now().Add(-rl.window)
	kept := rl.samples[:0]
	for _, s := range rl.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	rl.samples = kept

	total := 0
	if len(rl.samples) > 0 {
		underscore.Chain(rl.samples).Reduce(0, sumSamples).Value(&total)
	}
	seconds := rl.window.Seconds()
	currentRate := float64(total) / seconds
	return currentRate+float64(n)/seconds <= float64(rl.limit)
}

// update records n downloaded bytes against the current window.
func (rl *rateLimiter) update(n int) {
	rl.samples = append(rl.samples, rateSample{at: rl.now(), bytes: n})
}

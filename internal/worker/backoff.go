package worker

import (
	"math/rand"
	"time"
)

// computeDelay returns the redelivery delay after a failed attempt: the base
// delay doubled for every attempt already consumed. attempt is 1-based, so
// attempt 1 waits base, attempt 2 waits 2*base, attempt 3 waits 4*base.
// Jitter is off by default to keep the schedule exact.
func computeDelay(attempt int, base time.Duration, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}

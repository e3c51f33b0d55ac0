// Package queue is the Job Queue + Scheduler (C4): it turns Schedule
// templates into Jobs, dispatches ready Jobs to the worker pool, and
// reschedules failures with backoff. Grounded on
// server/internal/scheduler/scheduler.go's gocron-driven policy loop,
// retargeted from policy-fires-backup to schedule-fires-job.
package queue

import (
	"math/rand"
	"time"
)

// nextDelay computes the retry delay for the k-th attempt (1-indexed),
// matching spec.md §4.3's formula:
// min(max_delay, initial * multiplier^(k-1)), with full jitter applied.
func nextDelay(initialMs, maxDelayMs int, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initialMs)
	for i := 1; i < attempt; i++ {
		d *= multiplier
		if d > float64(maxDelayMs) {
			d = float64(maxDelayMs)
			break
		}
	}
	if d > float64(maxDelayMs) {
		d = float64(maxDelayMs)
	}
	jittered := rand.Float64() * d
	return time.Duration(jittered) * time.Millisecond
}

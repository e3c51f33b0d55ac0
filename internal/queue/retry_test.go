package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayRespectsCap(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := nextDelay(1000, 30000, 2.0, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30000*time.Millisecond)
	}
}

func TestNextDelayCeilingGrowsUntilCap(t *testing.T) {
	// The jittered value can't exceed the deterministic ceiling for each
	// attempt; sample many draws and assert none breach the known ceiling.
	ceilings := map[int]float64{1: 1000, 2: 2000, 3: 4000, 10: 30000}
	for attempt, ceiling := range ceilings {
		for i := 0; i < 50; i++ {
			d := nextDelay(1000, 30000, 2.0, attempt)
			assert.LessOrEqual(t, float64(d.Milliseconds()), ceiling)
		}
	}
}

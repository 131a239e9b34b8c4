package scheduler

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DelayPicker draws the pause between two deliveries
type DelayPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDelayPicker creates a picker; a nil source uses a random seed
func NewDelayPicker(src rand.Source) *DelayPicker {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &DelayPicker{rng: rand.New(src)}
}

// Pick returns a uniformly distributed duration in [minSeconds, maxSeconds].
// Negative bounds are clamped to zero and swapped bounds are reordered.
func (p *DelayPicker) Pick(minSeconds, maxSeconds int) time.Duration {
	minSeconds, maxSeconds = max(minSeconds, 0), max(maxSeconds, 0)
	if maxSeconds < minSeconds {
		minSeconds, maxSeconds = maxSeconds, minSeconds
	}
	if minSeconds == maxSeconds {
		return time.Duration(minSeconds) * time.Second
	}

	span := int64(maxSeconds-minSeconds) * int64(time.Second)
	p.mu.Lock()
	offset := p.rng.Int64N(span + 1)
	p.mu.Unlock()

	return time.Duration(minSeconds)*time.Second + time.Duration(offset)
}

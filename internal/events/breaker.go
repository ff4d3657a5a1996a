package events

import (
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long an open breaker suppresses sends.
const DefaultCooldown = 60 * time.Second

// Breaker is a latched failure switch. A failure opens it, and it stays open
// until the cooldown since the last failure elapses. A success closes it.
type Breaker struct {
	enabled     atomic.Bool
	lastFailure atomic.Int64
	cooldown    time.Duration
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{cooldown: cooldown, now: time.Now}
	b.enabled.Store(true)
	return b
}

// Allow reports whether a send may be attempted.
func (b *Breaker) Allow() bool {
	if b.enabled.Load() {
		return true
	}
	last := time.Unix(0, b.lastFailure.Load())
	return b.now().Sub(last) >= b.cooldown
}

// Open reports whether sends are currently suppressed.
func (b *Breaker) Open() bool {
	return !b.Allow()
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.enabled.Store(true)
}

// RecordFailure opens the breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.lastFailure.Store(b.now().UnixNano())
	b.enabled.Store(false)
}

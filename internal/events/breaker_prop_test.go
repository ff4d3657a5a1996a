package events

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/auth-platform/rate-limiter-service/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cooldown)
	b.now = clock.Now
	return b, clock
}

// TestBreakerCooldownProperty checks that after a failure sends resume exactly when the cooldown elapses.
func TestBreakerCooldownProperty(t *testing.T) {
	props := gopter.NewProperties(testutil.DefaultTestParameters())

	props.Property("open breaker allows only after cooldown", prop.ForAll(
		func(cooldownSec, elapsedSec int) bool {
			b, clock := newTestBreaker(time.Duration(cooldownSec) * time.Second)

			b.RecordFailure()
			clock.Advance(time.Duration(elapsedSec) * time.Second)

			return b.Allow() == (elapsedSec >= cooldownSec)
		},
		gen.IntRange(1, 600),
		gen.IntRange(0, 1200),
	))

	props.Property("success always closes the breaker", prop.ForAll(
		func(failures int) bool {
			b, _ := newTestBreaker(time.Minute)
			for i := 0; i < failures; i++ {
				b.RecordFailure()
			}
			b.RecordSuccess()
			return b.Allow() && !b.Open()
		},
		gen.IntRange(0, 20),
	))

	props.Property("a later failure restarts the cooldown", prop.ForAll(
		func(gapSec int) bool {
			b, clock := newTestBreaker(60 * time.Second)

			b.RecordFailure()
			clock.Advance(time.Duration(gapSec) * time.Second)
			b.RecordFailure()
			clock.Advance(59 * time.Second)

			return !b.Allow()
		},
		gen.IntRange(0, 300),
	))

	props.TestingRun(t)
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker(0)
	if !b.Allow() {
		t.Fatal("new breaker should allow sends")
	}
	if b.cooldown != DefaultCooldown {
		t.Fatalf("cooldown = %v, want %v", b.cooldown, DefaultCooldown)
	}
}

package limiter

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
	"github.com/auth-platform/rate-limiter-service/internal/testutil"
)

// TestThresholdBoundaryProperty checks that within one window the limit-th request
// is admitted and every later one is denied with a BLOCKED event.
func TestThresholdBoundaryProperty(t *testing.T) {
	props := gopter.NewProperties(testutil.DefaultTestParameters())

	props.Property("count equal to limit is allowed, count above is denied", prop.ForAll(
		func(apiKey string, limit, extra int) bool {
			f, _ := newStubFixture()
			ctx := context.Background()
			if _, err := f.svc.CreateLimit(ctx, apiKey, limit, 60); err != nil {
				return false
			}

			for i := 1; i <= limit; i++ {
				if !f.svc.CheckAccess(ctx, apiKey).Allowed {
					return false
				}
			}
			for i := 1; i <= extra; i++ {
				d := f.svc.CheckAccess(ctx, apiKey)
				if d.Allowed || *d.CurrentCount != int64(limit+i) {
					return false
				}
			}

			blocked := 0
			for _, e := range f.publisher.Events() {
				if e.EventType == ratelimit.EventBlocked {
					blocked++
				}
			}
			return blocked == extra
		},
		testutil.GenAPIKey(),
		gen.IntRange(1, 50),
		gen.IntRange(0, 5),
	))

	props.Property("fail-open admits regardless of policy", prop.ForAll(
		func(limit int, unhealthy bool) bool {
			f, counters := newStubFixture()
			ctx := context.Background()
			if _, err := f.svc.CreateLimit(ctx, "k", limit, 60); err != nil {
				return false
			}
			for i := 0; i < limit; i++ {
				f.svc.CheckAccess(ctx, "k")
			}
			if unhealthy {
				counters.Unhealthy = true
			} else {
				counters.IncrementErr = testutil.ErrInjected
			}
			return f.svc.CheckAccess(ctx, "k").Allowed
		},
		gen.IntRange(1, 20),
		gen.Bool(),
	))

	props.TestingRun(t)
}

// Package testutil provides shared fakes and property test helpers.
package testutil

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
)

// DefaultTestParameters returns standard gopter parameters for property tests.
func DefaultTestParameters() *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	params.MaxSize = 100
	return params
}

// RunPropertyTest runs a property test with standard parameters.
func RunPropertyTest(t *testing.T, name string, prop gopter.Prop) {
	t.Helper()
	props := gopter.NewProperties(DefaultTestParameters())
	props.Property(name, prop)
	props.TestingRun(t)
}

// GenAPIKey generates non-blank API keys.
func GenAPIKey() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool { return len(s) > 0 && len(s) < 64 })
}

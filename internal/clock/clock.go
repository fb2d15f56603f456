// Package clock provides an injectable time source so breaker, rate-limit,
// and registry logic can be tested without real sleeps.
package clock

import "time"

// Clock abstracts time.Now for components that need deterministic tests.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Func adapts a plain function into a Clock, used by tests that want to
// advance time explicitly.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

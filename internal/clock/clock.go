// Package clock provides the two injectable time sources the core needs:
// a monotonic "tick" with no wall-clock meaning, and a millisecond wall
// clock used only for the trace start date and id derivation (spec.md §4.1).
package clock

import "time"

// Tick is a monotonically increasing nanosecond counter with no wall-clock
// meaning. All durations in the core are tick differences.
type Tick int64

// Clock is the pair of time sources a Trace is built against. The default
// implementation wraps time.Now(); tests inject a fake to get deterministic
// tick values, the same role the teacher's swappable now/nowTime package
// vars play in ddtrace/tracer/time.go, exposed here as an interface so it
// can be passed explicitly rather than swapped globally.
type Clock interface {
	// Now returns the current wall-clock time, millisecond precision is
	// sufficient (spec.md §3: "millisecond-precision date").
	Now() time.Time
	// Tick returns the current monotonic tick.
	Tick() Tick
}

// System is the default Clock, backed by the runtime's monotonic clock via
// time.Now() (Go's time.Time carries a monotonic reading when obtained this
// way, which is what makes tick subtraction meaningful).
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// processStart is the reference instant System ticks are measured from.
var processStart = time.Now()

// Tick implements Clock. It is the monotonic time elapsed since
// processStart, so it is unaffected by wall-clock adjustments.
func (System) Tick() Tick { return Tick(time.Since(processStart)) }

// Default is the process-wide System clock instance, analogous to the
// teacher's package-level now/nowTime vars.
var Default Clock = System{}

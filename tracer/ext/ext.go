// Package ext contains name constants used across the tracer package:
// attribute names set by plugins and the metric-marker frame pattern used
// by the merged stack tree. Grounded on the teacher's ddtrace/ext/tags.go,
// which plays the same "shared constants, no behavior" role for tag names.
package ext

const (
	// AttributeUser is the conventional attribute name plugins use for the
	// end-user identity (spec.md §4.4 setUsernameSupplier feeds the same
	// concept through a dedicated field rather than this attribute, but
	// plugins are free to also record it as an attribute).
	AttributeUser = "user"

	// AttributeRoute is a conventional attribute name for the matched route
	// or handler of a web request trace.
	AttributeRoute = "route"
)

const (
	// ConfigStuckThresholdMillis is the config key for the delay before a
	// running trace is marked stuck (spec.md §4.7).
	ConfigStuckThresholdMillis = "trace.stuckThresholdMillis"
	// ConfigProfilingIntervalMillis is the config key for the stack sampler
	// period (spec.md §4.7).
	ConfigProfilingIntervalMillis = "trace.profilingIntervalMillis"
	// ConfigMaxSpans is the config key for the soft span cap (spec.md §6).
	ConfigMaxSpans = "trace.maxSpans"
)

// MetricMarkerPattern is the frame-name pattern that encodes a metric name
// into a synthetic stack frame injected by the weaving layer (spec.md
// §4.5): "^.*\$informant\$metric\$(.*)\$[0-9]+$", group 1 with "$" replaced
// by a space.
const MetricMarkerPattern = `^.*\$informant\$metric\$(.*)\$[0-9]+$`

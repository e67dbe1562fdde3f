package tracer

import "github.com/parabinda/glowroot/internal/clock"

// TraceSnapshot is an immutable record of a trace's state at a chosen
// capture instant (spec.md §3, §4.6). Constructing one never blocks the
// trace thread: every field is read once and copied.
type TraceSnapshot struct {
	ID              string
	StartWallMillis int64
	Stuck           bool
	ErrorFlag       bool
	Description     string
	Username        string
	Attributes      []TraceAttribute
	Metrics         []Snapshot

	Duration    int64 // nanoseconds
	Completed   bool
	CaptureTick clock.Tick

	includeDetail bool
	trace         *Trace
}

// BuildSnapshot produces a TraceSnapshot of trace as of captureTick
// (spec.md §4.6 "TraceSnapshot.from"). Normalizing every still-running
// value to captureTick is what lets this run concurrently with the trace
// thread without locking it.
func BuildSnapshot(trace *Trace, captureTick clock.Tick, includeDetail bool) *TraceSnapshot {
	root := trace.RootSpan().root()
	endTick := root.EndTick()

	var duration int64
	var completed bool
	if endTick != 0 && endTick <= captureTick {
		duration = int64(endTick - trace.StartTick())
		completed = true
	} else {
		duration = int64(captureTick - trace.StartTick())
		completed = false
	}

	description := ""
	if root.messageSupplier != nil {
		description = root.messageSupplier().Text
	}

	metrics := trace.MetricSnapshots()
	sortSnapshots(metrics)

	return &TraceSnapshot{
		ID:              trace.ID(),
		StartWallMillis: trace.StartWallMillis(),
		Stuck:           trace.IsStuck() && !completed,
		ErrorFlag:       trace.IsError(),
		Description:     description,
		Username:        trace.Username(),
		Attributes:      trace.Attributes(),
		Metrics:         metrics,
		Duration:        duration,
		Completed:       completed,
		CaptureTick:     captureTick,
		includeDetail:   includeDetail,
		trace:           trace,
	}
}

// spanView is what gets emitted per span in the streaming section (spec.md
// §4.6 "Span streaming"), derived lazily from a *Span plus the snapshot's
// captureTick — never materialized for the whole trace at once.
type spanView struct {
	Offset         int64
	Duration       int64
	Index          int
	ParentIndex    int
	Level          int
	Description    string
	Error          bool
	Active         bool
	ContextMap     map[string]string
	StackTraceHash string // "" if span carries no captured stack
}

// spanViewOf derives the streaming view of span relative to captureTick,
// or (view, false) if the span is "in the future" and must be skipped
// (spec.md §4.6 "If span.startTick > captureTick: skip").
func spanViewOf(span *Span, traceStartTick, captureTick clock.Tick) (spanView, bool) {
	if span.startTick > captureTick {
		return spanView{}, false
	}
	v := spanView{
		Offset:      int64(span.startTick - traceStartTick),
		Index:       span.index,
		ParentIndex: span.parentIndex,
		Level:       span.level,
		Error:       span.err,
	}
	if span.endTick != 0 && span.endTick <= captureTick {
		v.Duration = int64(span.endTick - span.startTick)
	} else {
		v.Duration = int64(captureTick - span.startTick)
		v.Active = true
	}
	if span.messageSupplier != nil {
		msg := span.messageSupplier()
		v.Description = msg.Text
		v.ContextMap = msg.Context
	}
	if len(span.stackTraceElements) > 0 {
		v.StackTraceHash = hashStackTrace(span.stackTraceElements)
	}
	return v, true
}

package tracer

import "github.com/parabinda/glowroot/internal/clock"

// Span is one node of a trace's span tree: a time-bounded event with a
// parent link by index (not a pointer, so the owning RootSpan's slice is
// the single owner of every Span — spec.md §9 "Cyclic/back-references").
// A Span is immutable after end() except endTick and error (spec.md §3).
type Span struct {
	index       int
	parentIndex int
	level       int

	startTick clock.Tick
	endTick   clock.Tick // 0 while active

	messageSupplier MessageSupplier

	stackTraceElements []string // set only by withStackTrace

	err bool

	// traceMetric is the timer this span drives, or nil for a free-floating
	// span created without a metric (e.g. a zero-duration span from addSpan,
	// or a dummy returned by Agent.AddSpan/AddErrorSpan).
	traceMetric *TraceMetric

	// dummy marks a span returned once the soft span cap is exceeded: it
	// still drives its metric's timer but was never appended to the
	// RootSpan's creation-order list or open-span stack (spec.md §6).
	dummy bool
}

// Index is this span's position in creation order (0 for the root).
func (s *Span) Index() int { return s.index }

// ParentIndex is the creation-order index of the parent span, or -1 for
// the root.
func (s *Span) ParentIndex() int { return s.parentIndex }

// Level is the depth of this span in the tree (root = 0).
func (s *Span) Level() int { return s.level }

// StartTick is the monotonic tick at which this span began.
func (s *Span) StartTick() clock.Tick { return s.startTick }

// EndTick is the monotonic tick at which this span ended, or 0 if active.
func (s *Span) EndTick() clock.Tick { return s.endTick }

// IsError reports whether this span (or a descendant that propagated up,
// per caller discipline) is marked as an error.
func (s *Span) IsError() bool { return s.err }

// IsDummy reports whether this span was returned past the soft span cap:
// it drives its metric timer but is not part of the tree.
func (s *Span) IsDummy() bool { return s.dummy }

// end sets endTick and ORs in the error flag. Called at most once in
// normal operation; a second call is harmless since endTick is meant to be
// write-once, but callers are expected to respect that contract themselves
// (spec.md §5 "endTick ... is written once").
func (s *Span) end(endTick clock.Tick, err bool) {
	s.endTick = endTick
	s.err = s.err || err
}

// withStackTrace attaches captured stack frames to the span; the snapshot
// encoder emits them by SHA-1 hash.
func (s *Span) withStackTrace(frames []string) {
	s.stackTraceElements = frames
}

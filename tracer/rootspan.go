package tracer

import (
	"sync/atomic"

	"github.com/parabinda/glowroot/internal/clock"
)

// RootSpan owns a trace's span tree: an append-only creation-order list
// plus a stack of currently-open spans (spec.md §3, §4.3). Only the trace
// thread calls pushSpan/popSpan/addSpan; any number of reader threads call
// getSpans concurrently.
//
// The creation-order list is published via an atomic pointer swap rather
// than a mutex, so readers never block behind the writer (spec.md §5
// "Span append ... non-blocking on readers"): each append builds a new
// backing slice containing every prior span plus the new one and installs
// it with a single atomic store, so a reader that loads N spans is
// guaranteed all N are fully constructed.
type RootSpan struct {
	spans atomic.Pointer[[]*Span]

	// openStack is trace-thread only; never read by other goroutines.
	openStack []*Span
}

// newRootSpan creates a RootSpan and immediately pushes the root span
// itself (index 0, parentIndex -1, level 0), driven by traceMetric.
func newRootSpan(startTick clock.Tick, messageSupplier MessageSupplier, traceMetric *TraceMetric) *RootSpan {
	rs := &RootSpan{}
	empty := make([]*Span, 0)
	rs.spans.Store(&empty)
	rs.pushSpan(startTick, messageSupplier, traceMetric)
	return rs
}

// publish appends span to the visible creation-order list.
func (rs *RootSpan) publish(span *Span) {
	prev := *rs.spans.Load()
	next := make([]*Span, len(prev)+1)
	copy(next, prev)
	next[len(prev)] = span
	rs.spans.Store(&next)
}

// pushSpan creates and opens a new Span under the current top-of-stack
// (spec.md §4.3).
func (rs *RootSpan) pushSpan(startTick clock.Tick, messageSupplier MessageSupplier, traceMetric *TraceMetric) *Span {
	parentIndex := -1
	level := 0
	if n := len(rs.openStack); n > 0 {
		top := rs.openStack[n-1]
		parentIndex = top.index
		level = top.level + 1
	}
	span := &Span{
		index:           len(*rs.spans.Load()),
		parentIndex:     parentIndex,
		level:           level,
		startTick:       startTick,
		messageSupplier: messageSupplier,
		traceMetric:     traceMetric,
	}
	rs.publish(span)
	rs.openStack = append(rs.openStack, span)
	return span
}

// addSpan inserts a zero-duration leaf under the current top-of-stack
// without altering the open-span stack (spec.md §4.3).
func (rs *RootSpan) addSpan(tick clock.Tick, messageSupplier MessageSupplier, err bool) *Span {
	parentIndex := -1
	level := 0
	if n := len(rs.openStack); n > 0 {
		top := rs.openStack[n-1]
		parentIndex = top.index
		level = top.level + 1
	}
	span := &Span{
		index:           len(*rs.spans.Load()),
		parentIndex:     parentIndex,
		level:           level,
		startTick:       tick,
		endTick:         tick,
		messageSupplier: messageSupplier,
		err:             err,
	}
	rs.publish(span)
	return span
}

// popSpan closes span, unwinding any nested spans that were never
// explicitly popped (spec.md §4.3, §7 "Plugin misuse"). Returns true if
// this pop emptied the open-span stack, i.e. the trace is now complete.
func (rs *RootSpan) popSpan(span *Span, endTick clock.Tick, err bool) (completed bool) {
	for n := len(rs.openStack); n > 0; n = len(rs.openStack) {
		top := rs.openStack[n-1]
		rs.openStack = rs.openStack[:n-1]
		top.end(endTick, err && top == span)
		if top == span {
			break
		}
	}
	return len(rs.openStack) == 0
}

// getSpans returns a snapshot of the creation-order list as it stood at
// the moment of the call. Safe to call concurrently with pushSpan/addSpan.
func (rs *RootSpan) getSpans() []*Span {
	return *rs.spans.Load()
}

// root returns the first span, which always exists once a RootSpan has
// been constructed.
func (rs *RootSpan) root() *Span {
	return (*rs.spans.Load())[0]
}

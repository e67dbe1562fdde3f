package tracer

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/parabinda/glowroot/internal/clock"
	"github.com/parabinda/glowroot/internal/gid"
)

// UsernameSupplier defers username resolution to snapshot time, mirroring
// MessageSupplier's role for span text (spec.md §3, §9 "Deferred values").
type UsernameSupplier func() string

// CancelFunc cancels a scheduled collaborator (spec.md §4.7). Calling it
// more than once is a no-op.
type CancelFunc func()

// Trace is the aggregate object binding a span tree, per-metric
// aggregates, a merged stack tree, and the flags/handles plugins and
// schedulers attach to a running unit of work (spec.md §3, §4.4). Exactly
// one goroutine — the trace thread — calls pushSpan/addSpan/popSpan/
// startTraceMetric/resetThreadLocalMetrics; stack capture may run on a
// separate sampling goroutine; any number of other goroutines may read,
// and may set flags/attributes/handles.
type Trace struct {
	id        string
	startWall int64 // unix millis, captured once at construction
	startTick clock.Tick

	clock clock.Clock

	errorFlag int32 // one-way latch, atomic
	stuckFlag int32 // single-writer-wins atomic, atomic

	usernameMu sync.Mutex
	username   UsernameSupplier

	attrMu     sync.Mutex
	attributes []TraceAttribute

	root *RootSpan

	stackTree *MergedStackTree

	metricsMu sync.Mutex
	metrics   []*TraceMetric
	seen      map[*Metric]bool

	// threadID is the id of the goroutine that constructed this Trace — the
	// trace thread — captured once so an external sampler goroutine can
	// find and sample it by id from a full runtime.Stack(all=true) dump
	// (spec.md §3, §4.5 "Writes occur on an external sampling thread").
	// threadLive stands in for a weak reference to that goroutine: Go has
	// no public API to take a weak reference to a goroutine, so the core
	// instead exposes ClearThreadRef for whatever owns the trace thread's
	// lifecycle (e.g. its request-scoped context) to call when that
	// goroutine is known to be gone (spec.md §5 "weak thread reference").
	// Atomic since the sampler reads it from another goroutine.
	threadID   int64
	threadLive atomic.Bool

	stackSamplerCancel atomic.Pointer[CancelFunc]
	stuckMarkerCancel  atomic.Pointer[CancelFunc]
}

// TraceAttribute is an immutable (name, value) pair in a trace's ordered
// attribute list (spec.md §3).
type TraceAttribute struct {
	Name  string
	Value string
}

// NewTrace constructs a Trace and its root span, started at the clock's
// current tick (spec.md §4.4 "Constructor"). rootMetric drives the root
// span's TraceMetric and is registered as the trace's first metric.
func NewTrace(c clock.Clock, rootMessage MessageSupplier, rootMetric *Metric) *Trace {
	now := c.Now()
	startTick := c.Tick()

	t := &Trace{
		id:        generateTraceID(now.UnixMilli()),
		startWall: now.UnixMilli(),
		startTick: startTick,
		clock:     c,
		threadID:  gid.Current(),
		seen:      make(map[*Metric]bool),
		stackTree: NewMergedStackTree(),
	}
	t.threadLive.Store(true)

	tm := rootMetric.startInternal(startTick)
	t.root = newRootSpan(startTick, rootMessage, tm)
	t.registerFirstStart(rootMetric, tm)

	return t
}

func generateTraceID(startWallMillis int64) string {
	return fmt.Sprintf("%x-%s", startWallMillis, uuid.New().String())
}

// registerFirstStart appends tm's Snapshot-producing metric to the trace's
// metric list the first time metric is seen in this trace (spec.md §4.2,
// §4.4 "on first start of this Metric in the trace").
func (t *Trace) registerFirstStart(metric *Metric, tm *TraceMetric) {
	if !tm.isFirstStart() {
		return
	}
	t.metricsMu.Lock()
	if !t.seen[metric] {
		t.seen[metric] = true
		t.metrics = append(t.metrics, tm)
	}
	t.metricsMu.Unlock()
	tm.firstStartSeen()
}

// PushSpan starts metric's timer and pushes a new Span (spec.md §4.4).
// Trace-thread only.
func (t *Trace) PushSpan(metric *Metric, messageSupplier MessageSupplier) *Span {
	tick := t.clock.Tick()
	tm := metric.startInternal(tick)
	t.registerFirstStart(metric, tm)
	return t.root.pushSpan(tick, messageSupplier, tm)
}

// AddSpan inserts a zero-duration leaf; err sets the trace-level error
// latch (spec.md §4.4).
func (t *Trace) AddSpan(messageSupplier MessageSupplier, err bool) *Span {
	tick := t.clock.Tick()
	span := t.root.addSpan(tick, messageSupplier, err)
	if err {
		t.setError()
	}
	return span
}

// PopSpan closes span and stops its TraceMetric (spec.md §4.4).
// Trace-thread only.
func (t *Trace) PopSpan(span *Span, err bool) {
	tick := t.clock.Tick()
	if err {
		t.setError()
	}
	completed := t.root.popSpan(span, tick, err)
	if span.traceMetric != nil {
		span.traceMetric.stop(tick)
	}
	if completed {
		t.resetThreadLocalMetrics()
		t.cancelScheduled()
	}
}

// StartTraceMetric starts metric's timer without pushing a span (spec.md
// §4.4).
func (t *Trace) StartTraceMetric(metric *Metric) *TraceMetric {
	tick := t.clock.Tick()
	tm := metric.startInternal(tick)
	t.registerFirstStart(metric, tm)
	return tm
}

// setError latches the trace-level error flag true; a one-way transition
// (spec.md §5 "error is a one-way latch").
func (t *Trace) setError() {
	atomic.StoreInt32(&t.errorFlag, 1)
}

// IsError reports the current value of the error latch.
func (t *Trace) IsError() bool {
	return atomic.LoadInt32(&t.errorFlag) != 0
}

// SetStuck atomically sets the stuck flag and returns its previous value
// (spec.md §4.4, §8 "setStuck is idempotent").
func (t *Trace) SetStuck() (previous bool) {
	return atomic.SwapInt32(&t.stuckFlag, 1) != 0
}

// IsStuck reports the current stuck flag.
func (t *Trace) IsStuck() bool {
	return atomic.LoadInt32(&t.stuckFlag) != 0
}

// SetUsernameSupplier installs a deferred username producer, callable by
// any goroutine (spec.md §4.4, §5).
func (t *Trace) SetUsernameSupplier(supplier UsernameSupplier) {
	t.usernameMu.Lock()
	t.username = supplier
	t.usernameMu.Unlock()
}

// Username evaluates the username supplier, or "" if none was set.
func (t *Trace) Username() string {
	t.usernameMu.Lock()
	supplier := t.username
	t.usernameMu.Unlock()
	if supplier == nil {
		return ""
	}
	return supplier()
}

// PutAttribute replaces the value for name in place if already present,
// otherwise appends, preserving insertion order (spec.md §4.4, §8
// "putAttribute ... idempotence").
func (t *Trace) PutAttribute(name, value string) {
	t.attrMu.Lock()
	defer t.attrMu.Unlock()
	for i := range t.attributes {
		if t.attributes[i].Name == name {
			t.attributes[i].Value = value
			return
		}
	}
	t.attributes = append(t.attributes, TraceAttribute{Name: name, Value: value})
}

// Attributes returns an immutable snapshot copy of the attribute list
// (spec.md §4.4).
func (t *Trace) Attributes() []TraceAttribute {
	t.attrMu.Lock()
	defer t.attrMu.Unlock()
	out := make([]TraceAttribute, len(t.attributes))
	copy(out, t.attributes)
	return out
}

// ClearThreadRef marks the owning goroutine as gone, turning subsequent
// CaptureStackTrace calls into no-ops (spec.md §5 "weak thread reference").
func (t *Trace) ClearThreadRef() {
	t.threadLive.Store(false)
}

// CaptureStackTrace samples the trace thread's current call stack and
// feeds it into the MergedStackTree; a no-op once ClearThreadRef has been
// called, or if the trace thread's id is no longer present in the dump
// (spec.md §4.4, §7 "Sampler target unreachable").
//
// stackOf is the goroutine-dump producer to sample from; production
// callers pass runtime.Stack(all=true) via captureAllGoroutinesDump, which
// is what lets an external sampler goroutine (spec.md §4.5 "Writes occur
// on an external sampling thread") reach a different, possibly-busy
// goroutine's stack without that goroutine's cooperation. Tests substitute
// a canned dump.
func (t *Trace) CaptureStackTrace(stackOf func() []byte) {
	if !t.threadLive.Load() {
		return
	}
	frames, threadState := parseGoroutineDump(stackOf(), t.threadID)
	if len(frames) == 0 {
		return
	}
	t.stackTree.addStackTrace(frames, threadState)
}

// CaptureCurrentStackTrace samples the trace thread's stack from a full
// dump of every running goroutine, filtered down to threadID by
// CaptureStackTrace. This is what the stack-sampler scheduled task
// (spec.md §4.7) calls; unlike sampling one's own stack, it may run on any
// goroutine, including one dedicated to periodic sampling across many
// traces.
func (t *Trace) CaptureCurrentStackTrace() {
	t.CaptureStackTrace(captureAllGoroutinesDump)
}

// captureAllGoroutinesDump returns a raw runtime.Stack dump of every
// currently running goroutine (all=true), so the caller can locate and
// parse out a specific one by id.
func captureAllGoroutinesDump() []byte {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// resetThreadLocalMetrics clears each participating Metric's thread-local
// TraceMetric (spec.md §4.4). Trace-thread only, called at trace end.
func (t *Trace) resetThreadLocalMetrics() {
	t.metricsMu.Lock()
	seen := t.seen
	t.metricsMu.Unlock()
	for metric := range seen {
		metric.resetThreadLocal()
	}
}

// SetStackSamplerCancel stores the handle for the trace's stack sampler
// task (spec.md §4.7).
func (t *Trace) SetStackSamplerCancel(c CancelFunc) {
	t.stackSamplerCancel.Store(&c)
}

// SetStuckMarkerCancel stores the handle for the trace's stuck-marker
// task (spec.md §4.7).
func (t *Trace) SetStuckMarkerCancel(c CancelFunc) {
	t.stuckMarkerCancel.Store(&c)
}

// cancelScheduled invokes and clears both scheduled-task handles,
// idempotently (spec.md §5 "Cancellation is idempotent").
func (t *Trace) cancelScheduled() {
	if p := t.stackSamplerCancel.Swap(nil); p != nil {
		(*p)()
	}
	if p := t.stuckMarkerCancel.Swap(nil); p != nil {
		(*p)()
	}
}

// ID returns the trace's unique identifier.
func (t *Trace) ID() string { return t.id }

// StartWallMillis returns the trace's start wall-clock time in Unix
// milliseconds.
func (t *Trace) StartWallMillis() int64 { return t.startWall }

// StartTick returns the trace's start monotonic tick.
func (t *Trace) StartTick() clock.Tick { return t.startTick }

// EndTick returns the root span's end tick, or 0 while running.
func (t *Trace) EndTick() clock.Tick { return t.root.root().EndTick() }

// IsCompleted reports whether the root span has ended (spec.md §4.3, §4.4).
func (t *Trace) IsCompleted() bool { return t.EndTick() != 0 }

// RootSpan exposes the trace's span tree.
func (t *Trace) RootSpan() *RootSpan { return t.root }

// MetricSnapshots returns a Snapshot for every metric that participated in
// this trace, unsorted (spec.md §4.2, §4.4).
func (t *Trace) MetricSnapshots() []Snapshot {
	t.metricsMu.Lock()
	tms := make([]*TraceMetric, len(t.metrics))
	copy(tms, t.metrics)
	t.metricsMu.Unlock()

	out := make([]Snapshot, len(tms))
	for i, tm := range tms {
		out[i] = tm.snapshot()
	}
	return out
}

// StackTree exposes the trace's merged stack tree.
func (t *Trace) StackTree() *MergedStackTree { return t.stackTree }

package tracer

import (
	"sync"

	"github.com/parabinda/glowroot/internal/clock"
	"github.com/parabinda/glowroot/internal/gid"
	"github.com/parabinda/glowroot/tracer/ext"
)

// defaultMaxSpans is the soft span cap used when ext.ConfigMaxSpans is
// unset (spec.md §6). The hard ceiling is always 2x the soft cap in effect.
const defaultMaxSpans = 2000

// Agent is the plugin-facing entry point (spec.md §6): it tracks, per
// goroutine, which Trace (if any) that goroutine is currently building,
// and resolves MetricName identities to process-wide Metric objects
// (spec.md §9 "Global state": a registry keyed by a stable identifier,
// populated lazily, never removed during the process lifetime). Plugin
// advice calls these methods instead of touching Trace/RootSpan directly.
type Agent struct {
	config *Config
	clock  clock.Clock

	metricsMu sync.Mutex
	metrics   map[*MetricName]*Metric

	activeMu sync.Mutex
	active   map[int64]*agentTrace
}

// agentTrace is the per-goroutine bookkeeping the Agent keeps alongside a
// Trace: the soft/hard span caps are evaluated against the trace's own
// span count, so no separate counter is kept here beyond the trace
// reference itself.
type agentTrace struct {
	trace *Trace
}

// NewAgent creates an Agent reading span caps from config and driving
// clocks from c.
func NewAgent(config *Config, c clock.Clock) *Agent {
	return &Agent{
		config:  config,
		clock:   c,
		metrics: make(map[*MetricName]*Metric),
		active:  make(map[int64]*agentTrace),
	}
}

func (a *Agent) metricFor(name *MetricName) *Metric {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	m, ok := a.metrics[name]
	if !ok {
		m = NewMetric(name)
		a.metrics[name] = m
	}
	return m
}

// maxSpans returns the configured soft span cap, or defaultMaxSpans if
// ext.ConfigMaxSpans is unset (spec.md §6 "Configuration reads").
func (a *Agent) maxSpans() int {
	if a.config == nil {
		return defaultMaxSpans
	}
	if v, ok := a.config.Double(ext.ConfigMaxSpans); ok {
		return int(v)
	}
	return defaultMaxSpans
}

// hardCeiling is always 2x the soft cap (spec.md §6 "A hard ceiling of
// maxSpans x 2 applies when error-spans exceed normal limits").
func (a *Agent) hardCeiling() int {
	return a.maxSpans() * 2
}

func (a *Agent) currentTrace() *agentTrace {
	g := gid.Current()
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	return a.active[g]
}

func (a *Agent) setCurrentTrace(at *agentTrace) {
	g := gid.Current()
	a.activeMu.Lock()
	a.active[g] = at
	a.activeMu.Unlock()
}

func (a *Agent) clearCurrentTrace() {
	g := gid.Current()
	a.activeMu.Lock()
	delete(a.active, g)
	a.activeMu.Unlock()
}

// StartTrace begins a top-level span: if no trace is active on the
// calling goroutine, it starts a new Trace; otherwise it behaves exactly
// like StartSpan (spec.md §6).
func (a *Agent) StartTrace(messageSupplier MessageSupplier, metricName *MetricName) *Span {
	if at := a.currentTrace(); at != nil {
		return a.StartSpan(messageSupplier, metricName)
	}
	metric := a.metricFor(metricName)
	tr := NewTrace(a.clock, messageSupplier, metric)
	a.setCurrentTrace(&agentTrace{trace: tr})
	return tr.RootSpan().root()
}

// StartBackgroundTrace is StartTrace for a unit of work with no inbound
// request context (e.g. a scheduled job). The core treats it identically
// to StartTrace; "background" is a classification the plugin layer may
// attach as a trace attribute, not a distinct core behavior (spec.md §6
// names both entry points but does not specify a behavioral difference
// beyond "begin a top-level span").
func (a *Agent) StartBackgroundTrace(messageSupplier MessageSupplier, metricName *MetricName) *Span {
	return a.StartTrace(messageSupplier, metricName)
}

// StartSpan pushes a span under the active trace. Once the trace's span
// count is at or over the soft cap, it returns a dummy Span that still
// drives metricName's timer but is never added to the tree (spec.md §6,
// §7.2).
func (a *Agent) StartSpan(messageSupplier MessageSupplier, metricName *MetricName) *Span {
	metric := a.metricFor(metricName)
	at := a.currentTrace()
	if at == nil {
		// No enclosing trace: degrade to starting one, so an advice point
		// entered out of order never panics (spec.md §7 propagation
		// policy: absorb anomalies rather than surface them).
		tr := NewTrace(a.clock, messageSupplier, metric)
		a.setCurrentTrace(&agentTrace{trace: tr})
		return tr.RootSpan().root()
	}
	if len(at.trace.RootSpan().getSpans()) >= a.maxSpans() {
		tick := a.clock.Tick()
		tm := metric.startInternal(tick)
		at.trace.registerFirstStart(metric, tm)
		return &Span{startTick: tick, traceMetric: tm, dummy: true}
	}
	return at.trace.PushSpan(metric, messageSupplier)
}

// AddSpan inserts a zero-duration leaf under the active trace's current
// span, subject to the same soft cap as StartSpan (spec.md §6).
func (a *Agent) AddSpan(messageSupplier MessageSupplier) *Span {
	at := a.currentTrace()
	if at == nil {
		return &Span{dummy: true}
	}
	if len(at.trace.RootSpan().getSpans()) >= a.maxSpans() {
		return &Span{dummy: true}
	}
	return at.trace.AddSpan(messageSupplier, false)
}

// AddErrorSpan inserts a zero-duration error leaf. It bypasses the soft
// cap (recording even once StartSpan/AddSpan would have started returning
// dummies) up to the hard ceiling, beyond which it is dropped entirely
// (spec.md §6, §7.2). Unlike Trace.AddSpan's general error=true path, it
// deliberately does not latch the trace-level error flag by itself
// (spec.md §6 "does not set the trace-level error latch by itself") —
// only popSpan(err=true) does that.
func (a *Agent) AddErrorSpan(errorMessage MessageSupplier) *Span {
	at := a.currentTrace()
	if at == nil {
		return &Span{dummy: true, err: true}
	}
	if len(at.trace.RootSpan().getSpans()) >= a.hardCeiling() {
		return &Span{dummy: true, err: true} // dropped: over the hard ceiling
	}
	tick := a.clock.Tick()
	return at.trace.RootSpan().addSpan(tick, errorMessage, true)
}

// EndSpan closes span, whether real or dummy (spec.md §6, §7.2 "end() on
// dummy stops the timer"). If ending a real span completes the trace, the
// Agent forgets it so the next StartTrace on this goroutine begins fresh.
func (a *Agent) EndSpan(span *Span, err bool) {
	if span.dummy {
		if span.traceMetric != nil {
			span.traceMetric.stop(a.clock.Tick())
		}
		return
	}
	at := a.currentTrace()
	if at == nil {
		return
	}
	at.trace.PopSpan(span, err)
	if at.trace.IsCompleted() {
		a.clearCurrentTrace()
	}
}

// MetricTimer is a timer-only handle returned by StartMetricTimer: it
// drives a TraceMetric without an accompanying Span (spec.md §4.4
// "startTraceMetric", §6 "startMetricTimer").
type MetricTimer struct {
	tm    *TraceMetric
	clock clock.Clock
}

// Stop ends the timer, recording a duration if this is the outermost stop
// of a re-entrant start (spec.md §4.2).
func (mt *MetricTimer) Stop() {
	mt.tm.stop(mt.clock.Tick())
}

// StartMetricTimer starts metricName's timer without pushing a span
// (spec.md §6). Re-entrant: nested calls on the same goroutine share the
// same TraceMetric and only the outermost Stop records a duration.
func (a *Agent) StartMetricTimer(metricName *MetricName) *MetricTimer {
	metric := a.metricFor(metricName)
	tick := a.clock.Tick()
	tm := metric.startInternal(tick)
	if at := a.currentTrace(); at != nil {
		at.trace.registerFirstStart(metric, tm)
	}
	return &MetricTimer{tm: tm, clock: a.clock}
}

// SetUserId installs a constant-valued username supplier on the active
// trace (spec.md §6 "setUserId"). No-op if no trace is active.
func (a *Agent) SetUserId(id string) {
	at := a.currentTrace()
	if at == nil {
		return
	}
	at.trace.SetUsernameSupplier(func() string { return id })
}

// SetTraceAttribute records an attribute on the active trace, replacing
// any prior value for name (spec.md §6 "setTraceAttribute", "name
// collisions replace"). No-op if no trace is active.
func (a *Agent) SetTraceAttribute(name, value string) {
	at := a.currentTrace()
	if at == nil {
		return
	}
	at.trace.PutAttribute(name, value)
}

// Config exposes the Agent's configuration surface (spec.md §6
// "Configuration reads", "registerConfigListener").
func (a *Agent) Config() *Config { return a.config }

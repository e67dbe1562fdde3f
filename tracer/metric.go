package tracer

import (
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/parabinda/glowroot/internal/clock"
	"github.com/parabinda/glowroot/internal/gid"
	"github.com/parabinda/glowroot/internal/log"
)

// sketchRelativeAccuracy is the relative-accuracy parameter of the optional
// per-metric quantile sketch (SPEC_FULL.md §5.1). 1% matches the default
// used throughout the ddsketch examples.
const sketchRelativeAccuracy = 0.01

// MetricName is the process-wide identity of a named timer, registered
// once per plugin advice (spec.md §2). It is an opaque handle; equality is
// pointer equality.
type MetricName struct {
	displayName string
}

// NewMetricName registers a new metric identity. Per spec.md §9 "Global
// state", the registry backing this is populated lazily and never removed
// during the process lifetime — in this Go core that registry is simply
// the caller holding on to the returned *MetricName, there being no
// separate lookup-by-string needed since plugins hold the handle directly.
func NewMetricName(displayName string) *MetricName {
	return &MetricName{displayName: displayName}
}

// DisplayName returns the human-readable name used in Snapshot output.
func (n *MetricName) DisplayName() string { return n.displayName }

// Metric is process-wide and keyed by advice identity (one *Metric per
// NewMetricName call site, conventionally memoized by the plugin). It
// holds a thread-local TraceMetric per concurrently-executing goroutine so
// that a single Metric object can be safely reused across traces running
// on different goroutines (spec.md §4.2, §9).
type Metric struct {
	name *MetricName

	mu     sync.Mutex
	local  map[int64]*TraceMetric // goroutine id -> this goroutine's current TraceMetric
}

// NewMetric creates a process-wide Metric for the given name. Plugins
// create one Metric per instrumented advice and reuse it across calls.
func NewMetric(name *MetricName) *Metric {
	return &Metric{name: name, local: make(map[int64]*TraceMetric)}
}

// startInternal returns the calling goroutine's TraceMetric, creating one
// lazily if this is the first start since the last resetThreadLocal, and
// starts (or re-enters) its timer at tick (spec.md §4.2).
func (m *Metric) startInternal(tick clock.Tick) *TraceMetric {
	g := gid.Current()
	m.mu.Lock()
	tm, ok := m.local[g]
	if !ok {
		tm = newTraceMetric(m)
		m.local[g] = tm
	}
	m.mu.Unlock()
	tm.start(tick)
	return tm
}

// resetThreadLocal clears the calling goroutine's TraceMetric. Called by
// the trace thread at trace end (spec.md §4.4 resetThreadLocalMetrics).
func (m *Metric) resetThreadLocal() {
	g := gid.Current()
	m.mu.Lock()
	delete(m.local, g)
	m.mu.Unlock()
}

// TraceMetric is the per-trace aggregate of one Metric as observed by the
// single goroutine that owns the enclosing trace: total/min/max/count plus
// the re-entrant depth counter and current start tick (spec.md §3, §4.2).
type TraceMetric struct {
	metric *Metric

	selfNestingLevel int
	currentStartTick clock.Tick

	total int64 // nanoseconds
	min   int64
	max   int64
	count int64

	firstStart bool // true until firstStartSeen is called

	sketch *ddsketch.DDSketch // SPEC_FULL.md §5.1 enrichment; nil-safe
}

func newTraceMetric(m *Metric) *TraceMetric {
	sk, err := ddsketch.NewDefaultDDSketch(sketchRelativeAccuracy)
	if err != nil {
		// Can only fail on an invalid accuracy constant; that would be an
		// internal invariant violation (spec.md §7.5): log and degrade to
		// no quantile tracking rather than fail the trace.
		log.Error("building quantile sketch for metric %q: %v", m.name.displayName, err)
		sk = nil
	}
	return &TraceMetric{metric: m, firstStart: true, sketch: sk}
}

// start begins or re-enters the timer (spec.md §4.2).
func (tm *TraceMetric) start(tick clock.Tick) {
	if tm.selfNestingLevel == 0 {
		tm.currentStartTick = tick
		tm.selfNestingLevel = 1
		return
	}
	tm.selfNestingLevel++
}

// stop ends (or un-nests) the timer. Only the outermost stop records a
// duration (spec.md §4.2, §9 "Re-entrant timers").
func (tm *TraceMetric) stop(endTick clock.Tick) {
	tm.selfNestingLevel--
	if tm.selfNestingLevel > 0 {
		return
	}
	d := int64(endTick - tm.currentStartTick)
	if d < 0 {
		d = 0
	}
	tm.total += d
	tm.count++
	if tm.count == 1 || d < tm.min {
		tm.min = d
	}
	if d > tm.max {
		tm.max = d
	}
	if tm.sketch != nil {
		if err := tm.sketch.Add(float64(d)); err != nil {
			log.Debug("quantile sketch add failed: %v", err)
		}
	}
}

// isFirstStart reports whether this TraceMetric has not yet had
// firstStartSeen called on it (spec.md §4.2).
func (tm *TraceMetric) isFirstStart() bool { return tm.firstStart }

// firstStartSeen clears the first-start flag.
func (tm *TraceMetric) firstStartSeen() { tm.firstStart = false }

// Quantile returns an estimate of the q-th quantile (0..1) of recorded
// durations, or (0, false) if no samples were recorded or the sketch
// failed to initialize (SPEC_FULL.md §5.1). Not part of the spec's JSON
// surface; provided for callers that want more than min/max/avg.
func (tm *TraceMetric) Quantile(q float64) (nanoseconds float64, ok bool) {
	if tm.sketch == nil || tm.count == 0 {
		return 0, false
	}
	v, err := tm.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Snapshot is an immutable copy of a TraceMetric's aggregated state plus
// its display name (spec.md §4.2).
type Snapshot struct {
	Name  string
	Total int64
	Min   int64
	Max   int64
	Count int64
}

// snapshot packages the current state of tm into an immutable Snapshot.
func (tm *TraceMetric) snapshot() Snapshot {
	return Snapshot{
		Name:  tm.metric.name.displayName,
		Total: tm.total,
		Min:   tm.min,
		Max:   tm.max,
		Count: tm.count,
	}
}

// sortSnapshots orders by Total descending, then Name ascending as a
// deterministic tie-break (spec.md §8 property 7, §9 Open Questions).
func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Total != snaps[j].Total {
			return snaps[i].Total > snaps[j].Total
		}
		return snaps[i].Name < snaps[j].Name
	})
}

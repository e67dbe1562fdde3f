package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parabinda/glowroot/internal/clock"
)

func TestTraceMetricReentry(t *testing.T) {
	m := NewMetric(NewMetricName("sql"))

	tm := m.startInternal(clock.Tick(100))
	tm2 := m.startInternal(clock.Tick(150))
	assert.Same(t, tm, tm2, "same goroutine must reuse its TraceMetric")

	tm.stop(clock.Tick(200)) // un-nests, records nothing yet
	assert.EqualValues(t, 0, tm.count)

	tm.stop(clock.Tick(300)) // outermost stop records the full span
	assert.EqualValues(t, 1, tm.count)
	assert.EqualValues(t, 200, tm.total)
	assert.EqualValues(t, 200, tm.min)
	assert.EqualValues(t, 200, tm.max)
}

func TestTraceMetricMinMax(t *testing.T) {
	m := NewMetric(NewMetricName("http"))
	tm := m.startInternal(clock.Tick(0))
	tm.stop(clock.Tick(50))

	tm.start(clock.Tick(100))
	tm.stop(clock.Tick(110))

	assert.EqualValues(t, 2, tm.count)
	assert.EqualValues(t, 60, tm.total)
	assert.EqualValues(t, 10, tm.min)
	assert.EqualValues(t, 50, tm.max)
}

func TestTraceMetricFirstStart(t *testing.T) {
	m := NewMetric(NewMetricName("cache"))
	tm := m.startInternal(clock.Tick(0))

	assert.True(t, tm.isFirstStart())
	tm.firstStartSeen()
	assert.False(t, tm.isFirstStart())
}

func TestMetricResetThreadLocal(t *testing.T) {
	m := NewMetric(NewMetricName("resettable"))
	tm := m.startInternal(clock.Tick(0))
	tm.stop(clock.Tick(5))

	m.resetThreadLocal()

	tm2 := m.startInternal(clock.Tick(10))
	assert.NotSame(t, tm, tm2, "resetThreadLocal must force a fresh TraceMetric")
}

func TestSortSnapshotsTotalDescThenNameAsc(t *testing.T) {
	snaps := []Snapshot{
		{Name: "b", Total: 100},
		{Name: "a", Total: 100},
		{Name: "c", Total: 200},
	}
	sortSnapshots(snaps)

	assert.Equal(t, []Snapshot{
		{Name: "c", Total: 200},
		{Name: "a", Total: 100},
		{Name: "b", Total: 100},
	}, snaps)
}

package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parabinda/glowroot/internal/clock"
	"github.com/parabinda/glowroot/tracer/ext"
)

func TestAgentStartTraceThenStartSpanNests(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(1000)}
	a := NewAgent(NewConfig(), c)
	m := NewMetricName("root")

	root := a.StartTrace(StringMessage("root"), m)
	assert.Equal(t, 0, root.Level())

	child := a.StartSpan(StringMessage("child"), NewMetricName("child"))
	assert.Equal(t, 1, child.Level())
	assert.Equal(t, root.Index(), child.ParentIndex())

	a.EndSpan(child, false)
	a.EndSpan(root, false)

	at := a.currentTrace()
	assert.Nil(t, at, "trace must be forgotten once its root span completes")
}

func TestAgentStartSpanWithNoActiveTraceStartsOne(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(1000)}
	a := NewAgent(NewConfig(), c)

	span := a.StartSpan(StringMessage("orphan"), NewMetricName("m"))
	assert.Equal(t, 0, span.Level())
	require.NotNil(t, a.currentTrace())
}

func TestAgentSoftCapReturnsDummySpan(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(0)}
	cfg := NewConfig()
	cfg.SetDouble(ext.ConfigMaxSpans, 2)
	a := NewAgent(cfg, c)

	root := a.StartTrace(StringMessage("root"), NewMetricName("root"))
	metric := NewMetricName("work")
	s1 := a.StartSpan(StringMessage("s1"), metric)
	assert.False(t, s1.IsDummy())

	// Trace already has 2 spans (root, s1) == maxSpans: next is a dummy.
	s2 := a.StartSpan(StringMessage("s2"), metric)
	assert.True(t, s2.IsDummy())

	a.EndSpan(s2, false) // dummy End still stops the metric timer
	a.EndSpan(s1, false)
	a.EndSpan(root, false)
}

func TestAgentErrorSpanBypassesSoftCapUpToHardCeiling(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(0)}
	cfg := NewConfig()
	cfg.SetDouble(ext.ConfigMaxSpans, 1)
	a := NewAgent(cfg, c)

	root := a.StartTrace(StringMessage("root"), NewMetricName("root"))

	// maxSpans=1, hardCeiling=2; root already occupies the one slot.
	errSpan := a.AddErrorSpan(StringMessage("boom"))
	assert.False(t, errSpan.IsDummy(), "error span must be recorded up to the hard ceiling")
	assert.False(t, root.dummy)

	// Trace is now at the hard ceiling (2 spans): a further error span is dropped.
	dropped := a.AddErrorSpan(StringMessage("boom2"))
	assert.True(t, dropped.IsDummy())

	a.EndSpan(root, false)
}

func TestAgentAddErrorSpanDoesNotLatchTraceError(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(0)}
	a := NewAgent(NewConfig(), c)

	a.StartTrace(StringMessage("root"), NewMetricName("root"))
	a.AddErrorSpan(StringMessage("boom"))

	at := a.currentTrace()
	require.NotNil(t, at)
	assert.False(t, at.trace.IsError(), "addErrorSpan must not set the trace-level error latch by itself")
}

func TestAgentSetUserIdAndTraceAttribute(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(0)}
	a := NewAgent(NewConfig(), c)

	root := a.StartTrace(StringMessage("root"), NewMetricName("root"))
	a.SetUserId("alice")
	a.SetTraceAttribute("route", "/a")

	at := a.currentTrace()
	require.NotNil(t, at)
	assert.Equal(t, "alice", at.trace.Username())
	assert.Equal(t, []TraceAttribute{{Name: "route", Value: "/a"}}, at.trace.Attributes())

	a.EndSpan(root, false)
}

func TestAgentStartMetricTimerReentrant(t *testing.T) {
	c := &fakeClock{tick: clock.Tick(100)}
	a := NewAgent(NewConfig(), c)
	name := NewMetricName("timer-only")

	t1 := a.StartMetricTimer(name)
	c.tick = clock.Tick(150)
	t2 := a.StartMetricTimer(name)
	assert.Same(t, t1.tm, t2.tm)

	c.tick = clock.Tick(200)
	t2.Stop()
	c.tick = clock.Tick(300)
	t1.Stop()

	assert.EqualValues(t, 1, t1.tm.count)
	assert.EqualValues(t, 200, t1.tm.total)
}

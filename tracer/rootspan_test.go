package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parabinda/glowroot/internal/clock"
)

func TestRootSpanLevelsAndParents(t *testing.T) {
	rs := newRootSpan(clock.Tick(1000), StringMessage("root"), nil)
	a := rs.pushSpan(clock.Tick(1000), StringMessage("a"), nil)
	b := rs.pushSpan(clock.Tick(1100), StringMessage("b"), nil)

	assert.Equal(t, 0, rs.root().level)
	assert.Equal(t, -1, rs.root().parentIndex)
	assert.Equal(t, 1, a.level)
	assert.Equal(t, 0, a.parentIndex)
	assert.Equal(t, 2, b.level)
	assert.Equal(t, 1, b.parentIndex)
}

func TestRootSpanPopBalances(t *testing.T) {
	rs := newRootSpan(clock.Tick(1000), StringMessage("root"), nil)
	a := rs.pushSpan(clock.Tick(1000), StringMessage("a"), nil)
	b := rs.pushSpan(clock.Tick(1100), StringMessage("b"), nil)

	completed := rs.popSpan(b, clock.Tick(1300), false)
	assert.False(t, completed)
	completed = rs.popSpan(a, clock.Tick(1400), false)
	assert.False(t, completed)
	completed = rs.popSpan(rs.root(), clock.Tick(1500), false)
	assert.True(t, completed)

	require.EqualValues(t, clock.Tick(1300), b.endTick)
	require.EqualValues(t, clock.Tick(1400), a.endTick)
}

func TestRootSpanDefensivePop(t *testing.T) {
	rs := newRootSpan(clock.Tick(0), StringMessage("root"), nil)
	a := rs.pushSpan(clock.Tick(0), StringMessage("a"), nil)
	_ = rs.pushSpan(clock.Tick(1), StringMessage("b"), nil) // never popped directly

	// popping "a" must unwind "b" first, since b is still on top.
	completed := rs.popSpan(a, clock.Tick(10), false)
	assert.False(t, completed) // root still open

	spans := rs.getSpans()
	require.Len(t, spans, 3)
	assert.NotZero(t, spans[2].endTick, "b must be force-closed by the defensive unwind")
	assert.NotZero(t, spans[1].endTick)
}

func TestRootSpanAddSpanDoesNotAlterStack(t *testing.T) {
	rs := newRootSpan(clock.Tick(0), StringMessage("root"), nil)
	a := rs.pushSpan(clock.Tick(0), StringMessage("a"), nil)

	leaf := rs.addSpan(clock.Tick(5), StringMessage("event"), true)
	assert.Equal(t, a.index, leaf.parentIndex)
	assert.True(t, leaf.IsError())
	assert.EqualValues(t, leaf.startTick, leaf.endTick)

	// stack unaffected: popping a must close a, not leaf.
	completed := rs.popSpan(a, clock.Tick(10), false)
	assert.False(t, completed) // root still open
}

func TestRootSpanGetSpansIsConsistentPrefix(t *testing.T) {
	rs := newRootSpan(clock.Tick(0), StringMessage("root"), nil)
	before := rs.getSpans()
	rs.pushSpan(clock.Tick(1), StringMessage("a"), nil)
	after := rs.getSpans()

	assert.Len(t, before, 1)
	assert.Len(t, after, 2)
	assert.Same(t, before[0], after[0], "previously observed spans are never replaced")
}

package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(name string) StackFrame { return StackFrame{Func: name, File: "x.go", Line: 1} }

func TestMergedStackTreeMerging(t *testing.T) {
	tree := NewMergedStackTree()
	tree.addStackTrace([]StackFrame{f("f"), f("g"), f("h")}, "running")
	tree.addStackTrace([]StackFrame{f("f"), f("g"), f("h")}, "running")
	tree.addStackTrace([]StackFrame{f("f"), f("g"), f("k")}, "running")

	root := tree.Root()
	require.NotNil(t, root)
	assert.EqualValues(t, 3, root.sampleCount.Load())
	assert.Equal(t, "f", root.frame.Func)

	gChildren := *root.children.Load()
	require.Len(t, gChildren, 1)
	g := gChildren[0]
	assert.Equal(t, "g", g.frame.Func)
	assert.EqualValues(t, 3, g.sampleCount.Load())

	leaves := *g.children.Load()
	require.Len(t, leaves, 2)
	var h, k *stackNode
	for _, n := range leaves {
		switch n.frame.Func {
		case "h":
			h = n
		case "k":
			k = n
		}
	}
	require.NotNil(t, h)
	require.NotNil(t, k)
	assert.EqualValues(t, 2, h.sampleCount.Load())
	assert.EqualValues(t, 1, k.sampleCount.Load())
}

func TestMergedStackTreeSampleCountNonIncreasing(t *testing.T) {
	tree := NewMergedStackTree()
	tree.addStackTrace([]StackFrame{f("a"), f("b")}, "")
	tree.addStackTrace([]StackFrame{f("a"), f("c")}, "")
	tree.addStackTrace([]StackFrame{f("a")}, "")

	root := tree.Root()
	children := *root.children.Load()
	for _, c := range children {
		assert.LessOrEqual(t, c.sampleCount.Load(), root.sampleCount.Load())
	}
}

func TestMetricMarkerNameExtraction(t *testing.T) {
	frame := StackFrame{Func: `pkg.fn$informant$metric$sql$query$1`}
	assert.Equal(t, "sql query", frame.metricMarkerName())

	plain := StackFrame{Func: "pkg.fn"}
	assert.Equal(t, "", plain.metricMarkerName())
}

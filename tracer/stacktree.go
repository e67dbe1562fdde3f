package tracer

import (
	"bytes"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/DataDog/gostackparse"

	"github.com/parabinda/glowroot/tracer/ext"
)

// maxStackDepth caps the number of frames kept per sample (SPEC_FULL.md
// §5.2 supplemented feature; spec.md §9 Open Questions notes the original
// used an unbounded Integer.MAX_VALUE depth and permits a documented cap).
const maxStackDepth = 128

// parseGoroutineDump parses a (possibly all-goroutines) runtime.Stack dump
// and returns the oldest-first frames plus reported state of the single
// goroutine matching targetID, ready for MergedStackTree.addStackTrace
// (spec.md §4.5). A sampler must hand this a full (all=true) dump, since
// the owning trace thread is sampled by an independent external goroutine
// that has no other way to reach it (spec.md §3, §9 "weak thread
// reference"); everything but the matching goroutine's frames is
// discarded. gostackparse itself returns frames innermost-first, matching
// the order runtime.Stack prints them in, so the result is reversed here.
func parseGoroutineDump(dump []byte, targetID int64) (frames []StackFrame, state string) {
	goroutines, _ := gostackparse.Parse(bytes.NewReader(dump))
	for _, g := range goroutines {
		if int64(g.ID) != targetID {
			continue
		}
		n := len(g.Stack)
		if n > maxStackDepth {
			n = maxStackDepth
		}
		frames = make([]StackFrame, n)
		for i := 0; i < n; i++ {
			f := g.Stack[i]
			frames[n-1-i] = StackFrame{Func: f.Func, File: f.File, Line: f.Line}
		}
		return frames, g.State
	}
	return nil, ""
}

// syntheticRootElement is the stackTraceElement text used when a
// MergedStackTree has accumulated more than one distinct top-level frame
// and must fan out under a synthetic root (spec.md §4.6).
const syntheticRootElement = "<multiple root nodes>"

var metricMarkerRE = regexp.MustCompile(ext.MetricMarkerPattern)

// StackFrame identifies one call-stack frame. Equality for tree-matching
// purposes is (Func, File, Line).
type StackFrame struct {
	Func string
	File string
	Line int
}

// element renders the frame the way a stackTraceElement is emitted in the
// snapshot JSON (spec.md §4.6).
func (f StackFrame) element() string {
	if f.File == "" {
		return f.Func
	}
	return fmt.Sprintf("%s(%s:%d)", f.Func, f.File, f.Line)
}

// metricMarkerName returns the metric name encoded in this frame by the
// weaving layer, or "" if the frame carries no marker (spec.md §4.5).
func (f StackFrame) metricMarkerName() string {
	m := metricMarkerRE.FindStringSubmatch(f.Func)
	if m == nil {
		return ""
	}
	name := m[1]
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '$' {
			out[i] = ' '
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}

// stackNode is one node of the merged stack tree. sampleCount and the
// children list are published independently so that the sample count on
// an existing node is only ever observed alongside a fully-published
// children list: a new child is appended before its own count is bumped,
// and an existing child's count bump never touches the parent's children
// pointer (spec.md §5 "publishes child additions before the updated
// count is observed").
type stackNode struct {
	frame     StackFrame
	synthetic bool // true only for the artificial multi-root node

	sampleCount atomic.Int64

	// children is only ever mutated while the owning tree's mu is held
	// (single sampling goroutine at a time); reads never block.
	children atomic.Pointer[[]*stackNode]

	leafThreadState atomic.Pointer[string]
}

func newStackNode(frame StackFrame, synthetic bool) *stackNode {
	n := &stackNode{frame: frame, synthetic: synthetic}
	empty := make([]*stackNode, 0)
	n.children.Store(&empty)
	return n
}

// findOrCreateChild returns the existing child matching frame, creating
// and publishing one if none matches. Must only be called by the single
// sampling goroutine holding the owning tree's mu.
func (n *stackNode) findOrCreateChild(frame StackFrame) *stackNode {
	existing := *n.children.Load()
	for _, c := range existing {
		if c.frame == frame {
			return c
		}
	}
	child := newStackNode(frame, false)
	next := make([]*stackNode, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = child
	n.children.Store(&next)
	return child
}

// MergedStackTree aggregates periodic stack samples of a trace's owning
// thread into a weighted prefix tree (spec.md §3, §4.5). Writes come from
// a single sampling goroutine at a time; reads come from any number of
// concurrent snapshotters.
type MergedStackTree struct {
	mu   sync.Mutex // serializes addStackTrace calls (spec.md §5 "only one at a time")
	root *stackNode
}

// NewMergedStackTree creates an empty tree. The root becomes synthetic
// the first time a sample's top frame differs from the real root's frame;
// until then a single real root is used directly to avoid an unnecessary synthetic hop
// for the overwhelmingly common single-root case.
func NewMergedStackTree() *MergedStackTree {
	return &MergedStackTree{}
}

// addStackTrace ingests one sample, frames ordered oldest (call-tree root)
// first, and records threadState on the resulting leaf (spec.md §4.5).
func (t *MergedStackTree) addStackTrace(frames []StackFrame, threadState string) {
	if len(frames) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		t.root = newStackNode(frames[0], false)
		t.root.sampleCount.Store(1)
	} else if t.root.frame != frames[0] && !t.root.synthetic {
		synth := newStackNode(StackFrame{}, true)
		synth.sampleCount.Store(t.root.sampleCount.Load() + 1)
		children := []*stackNode{t.root}
		synth.children.Store(&children)
		t.root = synth
	} else if t.root.synthetic {
		t.root.sampleCount.Add(1)
	} else {
		t.root.sampleCount.Add(1)
	}

	node := t.root
	start := 1 // frames[0] is accounted for by the root or by its synthetic-root child below
	if t.root.synthetic {
		// descend into (or create) the matching real root under the synthetic one.
		node = t.root.findOrCreateChild(frames[0])
		node.sampleCount.Add(1)
	}
	for i := start; i < len(frames); i++ {
		child := node.findOrCreateChild(frames[i])
		child.sampleCount.Add(1)
		node = child
	}
	s := threadState
	node.leafThreadState.Store(&s)
}

// Root exposes the root node for the snapshot encoder. Returns nil if no
// sample has ever been recorded.
func (t *MergedStackTree) Root() *stackNode { return t.root }

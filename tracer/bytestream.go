package tracer

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// targetChunkSize is the approximate size of each chunk the span-streaming
// section tries to accumulate before yielding to the caller (spec.md §4.6
// "chunks of approximately 8 KiB").
const targetChunkSize = 8 * 1024

// step is one unit of the encoder's explicit work list. It writes literal
// bytes into bs.buf and/or enqueues further steps; grounded on the
// teacher's payload.go io.Reader-based streaming encoder, generalized from
// a fixed msgpack array shape to an open-ended JSON document driven by a
// work queue instead of payload.go's simple header/body split.
type step func(bs *ByteStream)

// Sentinel steps drive post-order closure without recursion (spec.md §9
// "explicit work list with sentinel tokens"), mirroring
// END_OBJECT/END_ARRAY/POP_METRIC_NAME from the design notes.
func endObject(bs *ByteStream)    { bs.buf.WriteByte('}') }
func endArray(bs *ByteStream)     { bs.buf.WriteByte(']') }
func popMetricName(bs *ByteStream) {
	if n := len(bs.activeMetricNames); n > 0 {
		bs.activeMetricNames = bs.activeMetricNames[:n-1]
	}
}

// ByteStream is a lazy io.Reader over a TraceSnapshot's JSON encoding
// (spec.md §4.6 "Byte emission contract"): each Read drains previously
// queued steps until there is enough buffered output or the document is
// finished. The stack-hash table and span iteration state live here rather than on
// TraceSnapshot because they are encoder-local bookkeeping, not part of
// the immutable snapshot record.
type ByteStream struct {
	snap *TraceSnapshot

	queue []step
	buf   bytes.Buffer

	// span streaming cursor
	spanIdx int

	// stack-hash dedup table, insertion order preserved for deterministic
	// output (spec.md §8 "Snapshot determinism").
	stackHashes     map[string][]string
	stackHashOrder  []string

	// active metric-marker names during merged-stack-tree pre-order
	// traversal (spec.md §4.5 "a stack of active metric names").
	activeMetricNames []string

	err error
}

// NewByteStream creates a streaming encoder for snap.
func NewByteStream(snap *TraceSnapshot) *ByteStream {
	bs := &ByteStream{
		snap:        snap,
		stackHashes: make(map[string][]string),
	}
	bs.queue = []step{bs.stepHeader}
	return bs
}

// Read implements io.Reader: it runs queued steps until the buffer holds
// at least one byte or the document is complete (spec.md §4.6 "each
// next() returns ≥1 byte until the logical document is finished").
func (bs *ByteStream) Read(p []byte) (int, error) {
	for bs.buf.Len() == 0 && len(bs.queue) > 0 {
		next := bs.queue[0]
		bs.queue = bs.queue[1:]
		next(bs)
		if bs.err != nil {
			return 0, xerrors.Errorf("encoding trace snapshot %s: %w", bs.snap.ID, bs.err)
		}
	}
	if bs.buf.Len() == 0 {
		return 0, io.EOF
	}
	return bs.buf.Read(p)
}

// push prepends steps to the front of the queue, preserving their order.
func (bs *ByteStream) push(steps ...step) {
	bs.queue = append(steps, bs.queue...)
}

func (bs *ByteStream) writeString(s string) {
	bs.buf.WriteString(s)
}

func (bs *ByteStream) writeJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		bs.err = multierror.Append(bs.err, err)
		return
	}
	bs.buf.Write(b)
}

// stepHeader emits every snapshot field that fits comfortably in memory
// (id through metrics) and, if detail was requested, queues the streaming
// sections; otherwise closes the document.
func (bs *ByteStream) stepHeader(_ *ByteStream) {
	s := bs.snap
	bs.writeString(`{"id":`)
	bs.writeJSON(s.ID)
	bs.writeString(`,"start":`)
	bs.writeString(strconv.FormatInt(s.StartWallMillis, 10))
	bs.writeString(`,"stuck":`)
	bs.writeString(strconv.FormatBool(s.Stuck))
	bs.writeString(`,"error":`)
	bs.writeString(strconv.FormatBool(s.ErrorFlag))
	bs.writeString(`,"duration":`)
	bs.writeString(strconv.FormatInt(s.Duration, 10))
	bs.writeString(`,"completed":`)
	bs.writeString(strconv.FormatBool(s.Completed))
	bs.writeString(`,"description":`)
	bs.writeJSON(s.Description)
	if s.Username != "" {
		bs.writeString(`,"username":`)
		bs.writeJSON(s.Username)
	}
	if len(s.Attributes) > 0 {
		bs.writeString(`,"attributes":`)
		bs.writeJSON(attributesJSON(s.Attributes))
	}
	if len(s.Metrics) > 0 {
		bs.writeString(`,"metrics":`)
		bs.writeJSON(metricsJSON(s.Metrics))
	}
	if !s.includeDetail {
		bs.push(endObject)
		return
	}
	bs.writeString(`,"spans":[`)
	bs.push(bs.stepSpans)
}

type attrJSON struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func attributesJSON(attrs []TraceAttribute) []attrJSON {
	out := make([]attrJSON, len(attrs))
	for i, a := range attrs {
		out[i] = attrJSON{Name: a.Name, Value: a.Value}
	}
	return out
}

type metricJSON struct {
	Name  string `json:"name"`
	Total int64  `json:"total"`
	Min   int64  `json:"min"`
	Max   int64  `json:"max"`
	Count int64  `json:"count"`
}

func metricsJSON(snaps []Snapshot) []metricJSON {
	out := make([]metricJSON, len(snaps))
	for i, s := range snaps {
		out[i] = metricJSON{Name: s.Name, Total: s.Total, Min: s.Min, Max: s.Max, Count: s.Count}
	}
	return out
}

type spanJSON struct {
	Offset         int64             `json:"offset"`
	Duration       int64             `json:"duration"`
	Index          int               `json:"index"`
	ParentIndex    int               `json:"parentIndex"`
	Level          int               `json:"level"`
	Description    string            `json:"description"`
	Error          bool              `json:"error,omitempty"`
	Active         bool              `json:"active,omitempty"`
	ContextMap     map[string]string `json:"contextMap,omitempty"`
	StackTraceHash string            `json:"stackTraceHash,omitempty"`
}

// stepSpans emits up to targetChunkSize bytes' worth of span objects per
// invocation, re-queuing itself until the span list is exhausted (spec.md
// §4.6 "Span streaming").
func (bs *ByteStream) stepSpans(_ *ByteStream) {
	spans := bs.snap.trace.RootSpan().getSpans()
	wroteAny := bs.spanIdx > 0

	for bs.buf.Len() < targetChunkSize && bs.spanIdx < len(spans) {
		span := spans[bs.spanIdx]
		bs.spanIdx++

		view, ok := spanViewOf(span, bs.snap.trace.StartTick(), bs.snap.CaptureTick)
		if !ok {
			continue
		}
		if wroteAny {
			bs.writeString(",")
		}
		wroteAny = true
		bs.writeJSON(spanJSON{
			Offset:         view.Offset,
			Duration:       view.Duration,
			Index:          view.Index,
			ParentIndex:    view.ParentIndex,
			Level:          view.Level,
			Description:    view.Description,
			Error:          view.Error,
			Active:         view.Active,
			ContextMap:     view.ContextMap,
			StackTraceHash: view.StackTraceHash,
		})
		if view.StackTraceHash != "" {
			bs.recordStackHash(view.StackTraceHash, span.stackTraceElements)
		}
	}

	if bs.spanIdx < len(spans) {
		bs.push(bs.stepSpans) // more spans remain; yield this chunk first
		return
	}

	bs.writeString("]")
	bs.push(bs.stepStackHashes)
}

func (bs *ByteStream) recordStackHash(hash string, frames []string) {
	if _, ok := bs.stackHashes[hash]; ok {
		return
	}
	bs.stackHashes[hash] = frames
	bs.stackHashOrder = append(bs.stackHashOrder, hash)
}

// stepStackHashes emits the hash -> captured-frames mapping referenced by
// span.stackTraceHash values (spec.md §4.6 "(hash → frames JSON)
// mapping").
func (bs *ByteStream) stepStackHashes(_ *ByteStream) {
	if len(bs.stackHashOrder) == 0 {
		bs.push(bs.stepMergedStackTree)
		return
	}
	bs.writeString(`,"stackTraces":{`)
	for i, h := range bs.stackHashOrder {
		if i > 0 {
			bs.writeString(",")
		}
		bs.writeJSON(h)
		bs.writeString(":")
		bs.writeJSON(bs.stackHashes[h])
	}
	bs.writeString("}")
	bs.push(bs.stepMergedStackTree)
}

// stepMergedStackTree begins pre-order emission of the merged stack tree
// by queuing a single enterNode step for the root; no subtree is ever
// materialized ahead of time (spec.md §4.5, §9 "Streaming encoder": "an
// explicit work list with sentinel tokens ... to drive post-order closure
// without recursion").
func (bs *ByteStream) stepMergedStackTree(_ *ByteStream) {
	root := bs.snap.trace.StackTree().Root()
	if root == nil {
		bs.push(endObject)
		return
	}
	bs.writeString(`,"mergedStackTree":`)
	bs.push(bs.enterNode(root), endObject)
}

// enterNode returns a single step that renders node's own JSON and queues
// — but does not recurse into — the steps for its children and its
// closing sentinels. Each child is itself only an enterNode step, expanded
// by the queue when its turn comes; this keeps work-list construction
// O(1) per node regardless of tree depth or width, matching the
// bounded-memory streaming intent of spec.md §9.
func (bs *ByteStream) enterNode(node *stackNode) step {
	return func(*ByteStream) {
		bs.writeNodeOpen(node)

		marker := node.frame.metricMarkerName()
		pushedMarker := marker != "" && (len(bs.activeMetricNames) == 0 || bs.activeMetricNames[len(bs.activeMetricNames)-1] != marker)
		if pushedMarker {
			bs.activeMetricNames = append(bs.activeMetricNames, marker)
		}

		var closing []step
		children := *node.children.Load()
		if len(children) > 0 {
			closing = append(closing, endArray)
		}
		closing = append(closing, endObject)
		if pushedMarker {
			closing = append(closing, popMetricName)
		}
		bs.push(closing...)

		if len(children) > 0 {
			bs.writeString(`,"childNodes":[`)
			childSteps := make([]step, 0, 2*len(children)-1)
			for i, c := range children {
				if i > 0 {
					childSteps = append(childSteps, func(*ByteStream) { bs.writeString(",") })
				}
				childSteps = append(childSteps, bs.enterNode(c))
			}
			bs.push(childSteps...)
		}
	}
}

func (bs *ByteStream) writeNodeOpen(node *stackNode) {
	elem := syntheticRootElement
	if !node.synthetic {
		elem = node.frame.element()
	}
	bs.writeString(`{"stackTraceElement":`)
	bs.writeJSON(elem)
	bs.writeString(`,"sampleCount":`)
	bs.writeString(strconv.FormatInt(node.sampleCount.Load(), 10))
	if p := node.leafThreadState.Load(); p != nil && *p != "" {
		bs.writeString(`,"leafThreadState":`)
		bs.writeJSON(*p)
	}
	if len(bs.activeMetricNames) > 0 {
		bs.writeString(`,"metricNames":`)
		bs.writeJSON(bs.activeMetricNames)
	}
}

// hashStackTrace computes the SHA-1 hex digest of a captured span stack,
// used to deduplicate repeated frames across many spans (spec.md §4.6).
// SHA-1 rather than a faster non-cryptographic hash because spec.md §4.6
// names it explicitly for the stack-trace dedup key.
func hashStackTrace(frames []string) string {
	h := sha1.New()
	for _, f := range frames {
		fmt.Fprintln(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

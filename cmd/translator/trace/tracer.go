// Package trace implements the in-process tracing store used to account for
// pipeline latencies. Components hand the tracer ids only; the tracer owns
// every trace until completion and keeps a bounded history for SLO reporting.
package trace

import (
	"log/slog"
	"sync"
	"time"
)

// Span names recorded by the pipeline.
const (
	SpanSTTProcessing  = "stt_processing"
	SpanSTTFirstToken  = "stt_first_token"
	SpanMTProcessing   = "mt_processing"
	SpanTTSProcessing  = "tts_processing"
	SpanTTSFirstSample = "tts_first_sample"
)

const (
	// maxCompletedTraces bounds the completed history. On overflow the
	// oldest entry is replaced in place.
	maxCompletedTraces = 1000

	// metricsWindow is the number of most recent completed traces the
	// percentile summary is computed over.
	metricsWindow = 100
)

type Span struct {
	Name     string
	Start    time.Time
	Duration time.Duration
	Meta     map[string]any
}

type TraceError struct {
	Msg  string
	Span string
}

type Trace struct {
	ID     string
	Start  time.Time
	End    time.Time
	Spans  []Span
	Errors []TraceError
	Meta   map[string]any
}

// Cancelled reports whether the trace was closed by pipeline cancellation
// rather than by a regular completion.
func (tr *Trace) Cancelled() bool {
	c, _ := tr.Meta["cancelled"].(bool)
	return c
}

// Total returns the wall time between trace start and completion.
func (tr *Trace) Total() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Tracer keeps an open map of active traces and a ring of completed ones.
// All stores are guarded by a single mutex held only for map and ring
// updates.
type Tracer struct {
	mut       sync.Mutex
	active    map[string]*Trace
	completed []*Trace
	head      int

	ttftTarget    time.Duration
	captionTarget time.Duration
}

func NewTracer(ttftTarget, captionTarget time.Duration) *Tracer {
	return &Tracer{
		active:        make(map[string]*Trace),
		completed:     make([]*Trace, 0, maxCompletedTraces),
		ttftTarget:    ttftTarget,
		captionTarget: captionTarget,
	}
}

// StartTrace opens a trace. Starting an id that is already active is a
// programming error; the existing trace is kept and the call is ignored.
func (t *Tracer) StartTrace(id string, meta map[string]any) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if _, ok := t.active[id]; ok {
		slog.Warn("trace already active", slog.String("traceID", id))
		return
	}

	t.active[id] = &Trace{
		ID:    id,
		Start: time.Now(),
		Meta:  meta,
	}
}

// AddSpan appends a span to an active trace. Spans on unknown traces are
// dropped with a warning.
func (t *Tracer) AddSpan(traceID, name string, start time.Time, duration time.Duration, meta map[string]any) {
	t.mut.Lock()
	defer t.mut.Unlock()

	tr, ok := t.active[traceID]
	if !ok {
		slog.Warn("span for unknown trace", slog.String("traceID", traceID), slog.String("span", name))
		return
	}

	tr.Spans = append(tr.Spans, Span{
		Name:     name,
		Start:    start,
		Duration: duration,
		Meta:     meta,
	})
}

// AddError records an error against an active trace, optionally tagged with
// the span it belongs to.
func (t *Tracer) AddError(traceID, msg string, spanName ...string) {
	t.mut.Lock()
	defer t.mut.Unlock()

	tr, ok := t.active[traceID]
	if !ok {
		slog.Warn("error for unknown trace", slog.String("traceID", traceID), slog.String("msg", msg))
		return
	}

	var span string
	if len(spanName) > 0 {
		span = spanName[0]
	}

	tr.Errors = append(tr.Errors, TraceError{Msg: msg, Span: span})
}

// CompleteTrace closes an active trace, merges the given metadata and moves
// it into the completed ring. It returns the completed trace, or nil if the
// id is not active.
func (t *Tracer) CompleteTrace(traceID string, meta map[string]any) *Trace {
	t.mut.Lock()
	defer t.mut.Unlock()

	tr, ok := t.active[traceID]
	if !ok {
		slog.Warn("completing unknown trace", slog.String("traceID", traceID))
		return nil
	}
	delete(t.active, traceID)

	tr.End = time.Now()
	for k, v := range meta {
		if tr.Meta == nil {
			tr.Meta = make(map[string]any)
		}
		tr.Meta[k] = v
	}

	if len(t.completed) < maxCompletedTraces {
		t.completed = append(t.completed, tr)
	} else {
		t.completed[t.head] = tr
		t.head = (t.head + 1) % maxCompletedTraces
	}

	return tr
}

// CancelTrace closes an active trace as cancelled. Cancelled traces still
// count towards metrics so that cancellation cannot hide latency
// regressions.
func (t *Tracer) CancelTrace(traceID string) *Trace {
	return t.CompleteTrace(traceID, map[string]any{"cancelled": true})
}

func (t *Tracer) ActiveCount() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.active)
}

func (t *Tracer) CompletedCount() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.completed)
}

// recent returns up to n completed traces, oldest first, ending with the
// most recently completed one. Callers must hold the lock.
func (t *Tracer) recent(n int) []*Trace {
	if len(t.completed) <= n && t.head == 0 {
		out := make([]*Trace, len(t.completed))
		copy(out, t.completed)
		return out
	}

	if n > len(t.completed) {
		n = len(t.completed)
	}

	out := make([]*Trace, 0, n)
	// head is the oldest entry once the ring has wrapped; the newest is
	// just before it.
	for i := 0; i < n; i++ {
		idx := (t.head + len(t.completed) - n + i) % len(t.completed)
		out = append(out, t.completed[idx])
	}
	return out
}

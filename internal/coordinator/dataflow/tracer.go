// Package dataflow records the outcome of every saga step as it crosses from
// one epic to another, and reduces those traces into health metrics.
package dataflow

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the trace buffer.
const DefaultCapacity = 1000

// Outcome of a traced step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Trace is one recorded step outcome between two epics.
type Trace struct {
	ID           string        `json:"id"`
	SourceDomain string        `json:"sourceDomain"`
	TargetDomain string        `json:"targetDomain"`
	Operation    string        `json:"operation"`
	PayloadSize  int           `json:"payloadSize"`
	Duration     time.Duration `json:"duration"`
	Outcome      Outcome       `json:"outcome"`
	Timestamp    time.Time     `json:"timestamp"`
	SagaID       string        `json:"sagaId"`
	StepID       string        `json:"stepId"`
	Retries      int           `json:"retries"`
}

// Tracer is a fixed-capacity FIFO of traces shared by all step executions.
// Recording into a full buffer overwrites the oldest trace.
type Tracer struct {
	now func() time.Time

	mu    sync.Mutex
	buf   []Trace
	start int
	size  int
}

// NewTracer creates a tracer holding at most capacity traces. now may be nil.
func NewTracer(capacity int, now func() time.Time) *Tracer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Tracer{now: now, buf: make([]Trace, capacity)}
}

// Record appends t, evicting the oldest trace when full.
func (t *Tracer) Record(tr Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = tr
		t.size++
		return
	}
	t.buf[t.start] = tr
	t.start = (t.start + 1) % len(t.buf)
}

// Recent returns traces no older than window, oldest first.
func (t *Tracer) Recent(window time.Duration) []Trace {
	cutoff := t.now().Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Trace, 0, t.size)
	for i := 0; i < t.size; i++ {
		tr := t.buf[(t.start+i)%len(t.buf)]
		if !tr.Timestamp.Before(cutoff) {
			out = append(out, tr)
		}
	}
	return out
}

// All returns every buffered trace, oldest first.
func (t *Tracer) All() []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Trace, t.size)
	for i := range out {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Len is the number of buffered traces.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Capacity is the configured bound.
func (t *Tracer) Capacity() int {
	return len(t.buf)
}

// EvictOlderThan drops traces recorded more than maxAge ago and reports how
// many were removed.
func (t *Tracer) EvictOlderThan(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := make([]Trace, 0, t.size)
	for i := 0; i < t.size; i++ {
		tr := t.buf[(t.start+i)%len(t.buf)]
		if !tr.Timestamp.Before(cutoff) {
			kept = append(kept, tr)
		}
	}
	removed := t.size - len(kept)
	if removed == 0 {
		return 0
	}

	clear(t.buf)
	copy(t.buf, kept)
	t.start = 0
	t.size = len(kept)
	return removed
}

// Package scheduler fires callbacks at due times for an arbitrary set
// of string-identified jobs, backed by a min-heap keyed on due time. It
// holds no job state of its own beyond (id, dueAt) — the caller looks
// up the actual Job from the store when a callback fires.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// maxTimerDelay clamps how far in the future a single host timer may
// be armed; the scheduler rearms itself rather than risk handing
// time.AfterFunc an absurd duration.
const maxTimerDelay = 24 * time.Hour

// OnDueFunc is invoked, asynchronously and without blocking the
// scheduler, when a scheduled id becomes due.
type OnDueFunc func(id string)

type node struct {
	id      string
	dueAtMs int64
	seq     uint64
	index   int // heap.Interface bookkeeping
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].dueAtMs != h[j].dueAtMs {
		return h[i].dueAtMs < h[j].dueAtMs
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// validEntry is the current (dueAtMs, seq) a scheduled id maps to;
// stale heap nodes whose seq no longer matches are dropped lazily
// instead of removed from the heap in place.
type validEntry struct {
	dueAtMs int64
	seq     uint64
}

// Scheduler is a single shared-timer min-heap scheduler. Safe for
// concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    nodeHeap
	valid   map[string]validEntry
	nextSeq uint64
	timer   *time.Timer
	onDue   OnDueFunc
	stopped bool

	now func() time.Time // overridable for tests
}

// New builds a Scheduler that invokes onDue when a scheduled id's due
// time arrives.
func New(onDue OnDueFunc) *Scheduler {
	return &Scheduler{
		valid: make(map[string]validEntry),
		onDue: onDue,
		now:   time.Now,
	}
}

// Schedule (re)schedules id to fire at dueAtSec (unix seconds).
// Idempotent by id: a later call rewrites the due time and invalidates
// the previous heap entry via a fresh seq, without removing it from
// the heap in place — it is dropped lazily when popped.
func (s *Scheduler) Schedule(id string, dueAtSec int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.nextSeq++
	seq := s.nextSeq
	dueAtMs := dueAtSec * 1000

	s.valid[id] = validEntry{dueAtMs: dueAtMs, seq: seq}
	heap.Push(&s.heap, &node{id: id, dueAtMs: dueAtMs, seq: seq})
	s.rearmLocked()
}

// Cancel removes id from the validity map; any heap entries for it are
// dropped lazily the next time they would otherwise fire.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valid, id)
}

// Has reports whether id currently has a live scheduled entry.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.valid[id]
	return ok
}

// Stats is a point-in-time snapshot of scheduler load.
type Stats struct {
	Pending  int // live entries in the validity map
	HeapSize int // raw heap size, including stale/duplicate entries
}

// Stats returns a snapshot of current load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: len(s.valid), HeapSize: len(s.heap)}
}

// Stop halts the shared timer. No further onDue callbacks fire after
// Stop returns, though any already-dispatched goroutine continues.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rearmLocked points the single shared timer at the earliest valid
// node, skipping stale ones, recursing (via the timer callback) until
// either the heap is empty or a valid node is armed. Must be called
// with s.mu held.
func (s *Scheduler) rearmLocked() {
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	for s.heap.Len() > 0 {
		top := s.heap[0]
		ve, ok := s.valid[top.id]
		if !ok || ve.seq != top.seq {
			heap.Pop(&s.heap) // stale; drop and keep looking
			continue
		}

		delay := time.Duration(top.dueAtMs-s.now().UnixMilli()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		if delay > maxTimerDelay {
			delay = maxTimerDelay
		}
		s.timer = time.AfterFunc(delay, s.fire)
		return
	}
}

// fire pops every currently-due valid node, dispatches onDue for each
// asynchronously, and rearms for whatever remains.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	nowMs := s.now().UnixMilli()
	var due []string
	for s.heap.Len() > 0 {
		top := s.heap[0]
		ve, ok := s.valid[top.id]
		if !ok || ve.seq != top.seq {
			heap.Pop(&s.heap)
			continue
		}
		if top.dueAtMs > nowMs {
			break
		}
		heap.Pop(&s.heap)
		delete(s.valid, top.id)
		due = append(due, top.id)
	}
	s.rearmLocked()
	onDue := s.onDue
	s.mu.Unlock()

	for _, id := range due {
		id := id
		go onDue(id)
	}
}

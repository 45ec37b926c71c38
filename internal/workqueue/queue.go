// Package workqueue runs the bounded, dedup-keyed worker pools shared
// by the request pipeline and the support-verify pipeline: a fixed
// number of workers drain a capped buffer, dropping any push whose key
// is already queued or in flight, or once the buffer is full.
package workqueue

import (
	"sync"

	"github.com/rs/zerolog"
)

// Config bounds one dedup-keyed work queue, per spec.md §5's
// request-queue and support-verify-queue sizing.
type Config struct {
	Name        string
	Concurrency int
	Capacity    int
}

// Queue runs fn for each item pushed via Push, on a fixed pool of
// Concurrency workers, dropping any push once Capacity items are
// buffered awaiting a worker, or while an item with the same dedup key
// is already queued or in flight. A panic inside fn never stops the
// pool; it is logged and the worker picks up the next item.
type Queue[T any] struct {
	cfg Config
	fn  func(item T)
	log zerolog.Logger

	items chan queued[T]

	mu      sync.Mutex
	pending map[string]bool
}

type queued[T any] struct {
	key  string
	item T
}

// New builds and starts a Queue's worker pool. fn is invoked exactly
// once per accepted item; a panic inside fn is recovered and logged and
// the worker goes on with the next item (see Geocoder89-event-hub's
// worker.Config for the same fixed-pool shape this mirrors).
func New[T any](cfg Config, log zerolog.Logger, fn func(item T)) *Queue[T] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	q := &Queue[T]{
		cfg:     cfg,
		fn:      fn,
		log:     log.With().Str("queue", cfg.Name).Logger(),
		items:   make(chan queued[T], cfg.Capacity),
		pending: make(map[string]bool, cfg.Capacity),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		go q.worker()
	}
	return q
}

// Push enqueues item under dedup key. If key is already pending
// (queued or being processed) or the queue is at capacity, Push drops
// the item silently and returns false — callers log at the call site
// since the right log message differs by source (duplicate event id
// vs. a genuinely full queue).
func (q *Queue[T]) Push(key string, item T) bool {
	q.mu.Lock()
	if q.pending[key] {
		q.mu.Unlock()
		return false
	}
	q.pending[key] = true
	q.mu.Unlock()

	select {
	case q.items <- queued[T]{key: key, item: item}:
		return true
	default:
		q.mu.Lock()
		delete(q.pending, key)
		q.mu.Unlock()
		return false
	}
}

// Len reports the number of items currently pending (queued or in
// flight), for health/metrics reporting.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[T]) worker() {
	for qi := range q.items {
		q.run(qi)
	}
}

func (q *Queue[T]) run(qi queued[T]) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("key", qi.key).Msg("workqueue worker recovered from panic")
		}
		q.mu.Lock()
		delete(q.pending, qi.key)
		q.mu.Unlock()
	}()
	q.fn(qi.item)
}

// Package publisher turns a due Job into relay traffic: note/repost
// broadcast with pre-publish recovery and kind-6 target verification,
// and NIP-17 DM gift-wrap fan-out with per-recipient inbox discovery.
// It is the scheduler's onDue target and intake's kind-5907 retry
// target.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavilabart/pidgeon/internal/cache"
	"github.com/mavilabart/pidgeon/internal/mailbox"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

// Config carries the relay groups the publisher draws on, per
// spec.md §4.5's kind-6 target resolution order and §6's default
// publish set.
type Config struct {
	Relays        []string // default publish relays, used when a job carries none of its own
	IndexerRelays []string // fallback source for repost target resolution
	DVMRelays     []string // the DVM's own announced relays, last-resort resolution source
	LoadTest      bool
	MaxRelays     int // config.MaxPublishRelays; <= 0 falls back to nostrtransport.DefaultMaxRelayCount
}

// Publisher executes due jobs. Safe for concurrent use.
type Publisher struct {
	cfg Config

	pool    *nostrtransport.Pool
	jobs    *store.JobsStore
	flusher *mailbox.Flusher
	log     zerolog.Logger

	inboxCache *cache.TTLCache[string, []string]

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New builds a Publisher. inboxCacheSize bounds the kind-10050 inbox
// relay cache (shared positive/negative TTL entries).
func New(cfg Config, pool *nostrtransport.Pool, jobs *store.JobsStore, flusher *mailbox.Flusher, inboxCacheSize int, log zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		pool:       pool,
		jobs:       jobs,
		flusher:    flusher,
		log:        log.With().Str("component", "publisher").Logger(),
		inboxCache: cache.New[string, []string](inboxCacheSize),
		inflight:   make(map[string]chan struct{}),
	}
}

// Publish runs the publish attempt for jobID, per spec.md §4.5's
// per-job promise-map coalescing: a concurrent call for the same id
// waits for the in-flight attempt to finish instead of racing it.
func (p *Publisher) Publish(ctx context.Context, jobID string) {
	p.mu.Lock()
	if done, ok := p.inflight[jobID]; ok {
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.inflight[jobID] = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, jobID)
		p.mu.Unlock()
		close(done)
	}()

	job, err := p.jobs.Get(jobID)
	if err != nil {
		p.log.Debug().Err(err).Str("jobId", jobID).Msg("publish: job not found")
		return
	}
	if job.Status != store.StatusScheduled {
		return
	}

	switch job.PayloadKind {
	case store.JobKindNote:
		p.publishNote(ctx, job)
	case store.JobKindDM:
		p.publishDM(ctx, job)
	default:
		p.log.Warn().Str("jobId", job.ID).Str("kind", job.PayloadKind).Msg("publish: unknown job payload kind")
	}
}

// Drain waits up to timeout for every currently in-flight Publish call
// to finish, for use during graceful shutdown once the scheduler has
// stopped producing new ones. Publishes still running when timeout
// elapses are left to finish on their own; Drain simply stops waiting.
func (p *Publisher) Drain(timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		var waiting chan struct{}
		for _, done := range p.inflight {
			waiting = done
			break
		}
		p.mu.Unlock()
		if waiting == nil {
			return
		}
		select {
		case <-waiting:
		case <-deadline:
			return
		}
	}
}

func (p *Publisher) relaysFor(job store.Job) []string {
	relays := job.Relays
	if len(relays) == 0 {
		relays = p.cfg.Relays
	}
	return nostrtransport.NormalizeRelayList(relays, p.cfg.LoadTest, p.cfg.MaxRelays)
}

func probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2500*time.Millisecond)
}

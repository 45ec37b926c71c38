package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

func (p *Publisher) publishNote(ctx context.Context, job store.Job) {
	var noteJob store.NoteJob
	if err := json.Unmarshal(job.Payload, &noteJob); err != nil {
		p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish note: unmarshal payload")
		return
	}
	var inner nostr.Event
	if err := json.Unmarshal(noteJob.InnerEvent, &inner); err != nil {
		p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish note: unmarshal inner event")
		return
	}

	relays := p.relaysFor(job)
	if len(relays) == 0 {
		p.fail(job, "no valid relays")
		return
	}

	if p.alreadyPublished(ctx, relays, inner) {
		p.succeed(job, "recovered: already present on target relay")
		return
	}

	if inner.Kind == 6 {
		target, hint := repostTagTarget(inner)
		resolved, err := p.resolveRepostTarget(ctx, target, hint, relays)
		if err != nil {
			p.fail(job, err.Error())
			return
		}
		if resolved.Kind != 1 {
			p.fail(job, "not kind:1")
			return
		}
	}

	results := p.pool.Publish(ctx, relays, inner)
	summary := nostrtransport.Summary(results)
	if nostrtransport.AnySucceeded(results) {
		p.succeed(job, summary)
	} else {
		p.fail(job, summary)
	}
}

// alreadyPublished implements the pre-publish recovery check: if the
// target relays already hold inner's id, a prior crash landed the
// publish but missed the status write.
func (p *Publisher) alreadyPublished(ctx context.Context, relays []string, inner nostr.Event) bool {
	probeCtx, cancel := probeContext(ctx)
	defer cancel()
	found := p.pool.QuerySingle(probeCtx, relays, nostr.Filter{IDs: []string{inner.ID}})
	return found != nil
}

// repostTagTarget extracts the e-tag target id and relay hint from a
// kind-6 inner event, per spec.md §4.4's repost schema.
func repostTagTarget(inner nostr.Event) (id string, relayHint string) {
	for _, tag := range inner.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			id = tag[1]
			if len(tag) >= 3 {
				relayHint = tag[2]
			}
			return id, relayHint
		}
	}
	return "", ""
}

// resolveRepostTarget searches, in order, the repost's own relay hint,
// the job's publish relays, the indexer relays, and finally the DVM's
// own relays for a target event id, per spec.md §4.5's kind-6 safety
// check. The first match found is returned regardless of kind; the
// caller decides whether its kind satisfies the repost requirement.
func (p *Publisher) resolveRepostTarget(ctx context.Context, target, relayHint string, publishRelays []string) (nostr.Event, error) {
	groups := [][]string{publishRelays, p.cfg.IndexerRelays, p.cfg.DVMRelays}
	if relayHint != "" {
		groups = append([][]string{{relayHint}}, groups...)
	}

	filter := nostr.Filter{IDs: []string{target}}
	for _, group := range groups {
		group = nostrtransport.NormalizeRelayList(group, p.cfg.LoadTest, p.cfg.MaxRelays)
		if len(group) == 0 {
			continue
		}
		probeCtx, cancel := probeContext(ctx)
		evt := p.pool.QuerySingle(probeCtx, group, filter)
		cancel()
		if evt != nil {
			return *evt.Event, nil
		}
	}
	return nostr.Event{}, fmt.Errorf("target not found")
}

func (p *Publisher) succeed(job store.Job, detail string) {
	if _, err := p.jobs.MarkStatus(job.ID, store.StatusSent, detail); err != nil {
		p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish: mark sent")
	}
	p.flusher.QueueMailboxPublish(job.Pubkey)
}

func (p *Publisher) fail(job store.Job, detail string) {
	if _, err := p.jobs.MarkStatus(job.ID, store.StatusError, detail); err != nil {
		p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish: mark error")
	}
	p.flusher.QueueMailboxPublish(job.Pubkey)
}

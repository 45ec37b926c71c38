package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

const (
	positiveInboxTTL = 10 * time.Minute
	negativeInboxTTL = 2 * time.Minute
)

func (p *Publisher) publishDM(ctx context.Context, job store.Job) {
	var dmJob store.DmJob
	if err := json.Unmarshal(job.Payload, &dmJob); err != nil {
		p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish dm: unmarshal payload")
		return
	}

	allSent := true
	for i := range dmJob.Recipients {
		r := &dmJob.Recipients[i]
		if r.Status == "sent" {
			continue
		}
		if !p.deliverOne(ctx, r) {
			allSent = false
		}
		p.persistDM(job.ID, dmJob)
	}

	// The self-copy is only attempted once every recipient has landed,
	// per spec.md §4.5.
	if allSent && dmJob.SelfCopy != nil && dmJob.SelfCopy.Status != "sent" {
		if !p.deliverOne(ctx, dmJob.SelfCopy) {
			allSent = false
		}
		p.persistDM(job.ID, dmJob)
	} else if dmJob.SelfCopy != nil && dmJob.SelfCopy.Status != "sent" {
		allSent = false
	}

	detail := dmSummary(dmJob)
	if allSent {
		// A fully-delivered DM job is deleted rather than marked sent: the
		// gift wrap already on the recipient's inbox relay is the ledger
		// of record, and keeping the row around would resurface the same
		// delivery twice in the user's terminal history (once as a job,
		// once as the DM itself). Per spec.md §9's open-question decision.
		if err := p.jobs.Delete(job.ID); err != nil {
			p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish dm: delete sent job")
		}
	} else {
		if _, err := p.jobs.MarkStatus(job.ID, store.StatusError, detail); err != nil {
			p.log.Error().Err(err).Str("jobId", job.ID).Msg("publish dm: mark error")
		}
	}
	p.flusher.QueueMailboxPublish(job.Pubkey)
}

// persistDM writes the current per-recipient progress (wrap ids,
// relaysUsed, status) back to the job row so a retry after a crash
// reuses the exact wrap ids already generated instead of re-sealing.
func (p *Publisher) persistDM(jobID string, dmJob store.DmJob) {
	payload, err := json.Marshal(dmJob)
	if err != nil {
		p.log.Error().Err(err).Str("jobId", jobID).Msg("publish dm: marshal progress")
		return
	}
	raw := json.RawMessage(payload)
	if _, err := p.jobs.UpdateJob(jobID, store.JobPatch{Payload: &raw}); err != nil {
		p.log.Error().Err(err).Str("jobId", jobID).Msg("publish dm: persist progress")
	}
}

// deliverOne gift-wraps (or reuses a previously persisted wrap for) r
// and publishes it to r's discovered inbox relays, mutating r in
// place with the outcome. Returns whether delivery succeeded.
func (p *Publisher) deliverOne(ctx context.Context, r *store.DMRecipient) bool {
	wrap, err := p.wrapFor(r)
	if err != nil {
		r.Status = "error"
		r.LastError = err.Error()
		return false
	}

	relays := p.discoverInbox(ctx, r.Pubkey)
	if len(relays) == 0 {
		r.Status = "error"
		r.LastError = "No kind:10050 inbox relays found"
		return false
	}

	results := p.pool.Publish(ctx, relays, wrap)
	r.RelaysUsed = nostrtransport.AckedRelays(results)
	if nostrtransport.AnySucceeded(results) {
		r.Status = "sent"
		r.LastError = ""
		return true
	}
	r.Status = "error"
	r.LastError = nostrtransport.Summary(results)
	return false
}

// wrapFor returns r's gift wrap, generating and persisting a fresh one
// (keyed to r.Pubkey with an ephemeral sender key) on first delivery
// attempt and reusing the exact persisted event on every retry.
func (p *Publisher) wrapFor(r *store.DMRecipient) (nostr.Event, error) {
	if len(r.WrapEvent) > 0 {
		var wrap nostr.Event
		if err := json.Unmarshal(r.WrapEvent, &wrap); err != nil {
			return nostr.Event{}, fmt.Errorf("publisher: unmarshal persisted wrap: %w", err)
		}
		return wrap, nil
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(r.Seal), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("publisher: unmarshal seal: %w", err)
	}
	wrap, err := nostrtransport.GiftWrap(seal, r.Pubkey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("publisher: giftwrap: %w", err)
	}
	wrapJSON, err := json.Marshal(wrap)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("publisher: marshal wrap: %w", err)
	}
	r.WrapID = wrap.ID
	r.WrapEvent = wrapJSON
	return wrap, nil
}

// discoverInbox returns pubkey's kind-10050 DM inbox relays, using a
// cached result (positive or negative) when available.
func (p *Publisher) discoverInbox(ctx context.Context, pubkey string) []string {
	if relays, ok := p.inboxCache.Get(pubkey); ok {
		return relays
	}

	probeCtx, cancel := probeContext(ctx)
	defer cancel()
	filter := nostr.Filter{Kinds: []int{10050}, Authors: []string{pubkey}, Limit: 1}
	found := p.pool.QuerySingle(probeCtx, p.discoveryRelays(), filter)

	var relays []string
	if found != nil {
		for _, tag := range found.Tags {
			if len(tag) >= 2 && tag[0] == "relay" {
				relays = append(relays, tag[1])
			}
		}
	}
	relays = nostrtransport.NormalizeRelayList(relays, p.cfg.LoadTest, p.cfg.MaxRelays)

	ttl := positiveInboxTTL
	if len(relays) == 0 {
		ttl = negativeInboxTTL
	}
	p.inboxCache.Set(pubkey, relays, ttl)
	return relays
}

func (p *Publisher) discoveryRelays() []string {
	if len(p.cfg.IndexerRelays) > 0 {
		return p.cfg.IndexerRelays
	}
	return p.cfg.Relays
}

// dmSummary concatenates per-recipient failure reasons for the job's
// status-detail field, per spec.md §4.5's "concatenated per-recipient
// reason" requirement.
func dmSummary(dmJob store.DmJob) string {
	out := ""
	add := func(label, status, reason string) {
		if status == "sent" {
			return
		}
		if out != "" {
			out += "; "
		}
		out += label + "=" + status
		if reason != "" {
			out += " (" + reason + ")"
		}
	}
	for _, r := range dmJob.Recipients {
		add(r.Pubkey, r.Status, r.LastError)
	}
	if dmJob.SelfCopy != nil {
		add("selfCopy", dmJob.SelfCopy.Status, dmJob.SelfCopy.LastError)
	}
	if out == "" {
		return "all recipients delivered"
	}
	return out
}

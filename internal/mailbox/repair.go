package mailbox

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

// probeTimeout bounds each relay probe for a single d-tag.
const probeTimeout = 2 * time.Second

// Scope selects which class of shards a repair pass probes.
type Scope string

const (
	ScopeQueue Scope = "queue" // pending + blob shards + global index
	ScopeAll   Scope = "all"   // every known shard, including history/bucket/index
)

// RepairResult summarizes one repair pass.
type RepairResult struct {
	Probed      int
	Republished []string
	Unknown     []string // no relay answered; reported but not touched
}

// candidate is one shard's current plaintext and the key it must be
// encrypted under, recomputed fresh from the live job/support state so
// a repair republish carries exactly what the next ordinary flush
// would have published for that same d-tag.
type candidate struct {
	plaintext any
	key       [32]byte
}

// RepairMailbox probes each expected d-tag for pubkey against the
// publish relay set and republishes only the shards that came back
// empty from every probed relay, per spec.md §4.6's repair-by-probe
// rule. It never advances rev; it only updates the per-d-tag
// monotonic-timestamp map for the shards it actually republishes.
func (f *Flusher) RepairMailbox(ctx context.Context, pubkey string, scope Scope) (RepairResult, error) {
	meta, err := f.appdata.GetMailboxMeta(pubkey)
	if err != nil {
		return RepairResult{}, err
	}
	if meta.Rev == 0 {
		return RepairResult{}, nil // never flushed; nothing to repair
	}
	if meta.LastCreatedAtByDTag == nil {
		meta.LastCreatedAtByDTag = map[string]int64{}
	}

	secrets, err := f.deriver.Derive(pubkey)
	if err != nil {
		return RepairResult{}, err
	}
	dvmPub, err := nostr.GetPublicKey(f.dvmSecretHex)
	if err != nil {
		return RepairResult{}, err
	}

	candidates, dTagOrder, err := f.buildCandidates(pubkey, meta, secrets, scope)
	if err != nil {
		return RepairResult{}, err
	}

	result := RepairResult{Probed: len(dTagOrder)}
	changed := false

	for _, dTag := range dTagOrder {
		present, answered := f.probe(ctx, dTag)
		if !answered {
			result.Unknown = append(result.Unknown, dTag)
			continue
		}
		if present {
			continue
		}

		c, ok := candidates[dTag]
		if !ok {
			continue
		}
		ciphertext, err := nostrtransport.EncryptJSON(c.plaintext, c.key)
		if err != nil {
			continue
		}
		createdAt := monotonicCreatedAt(meta.LastCreatedAtByDTag[dTag], f.now().Unix())
		evt := nostr.Event{
			PubKey:    dvmPub,
			CreatedAt: nostr.Timestamp(createdAt),
			Kind:      30078,
			Tags:      nostr.Tags{{"d", dTag}, {"k", "3"}},
			Content:   ciphertext,
		}
		if err := evt.Sign(f.dvmSecretHex); err != nil {
			continue
		}
		results := f.pool.Publish(ctx, f.relays, evt)
		if !nostrtransport.AnySucceeded(results) {
			continue
		}

		meta.LastCreatedAtByDTag[dTag] = createdAt
		result.Republished = append(result.Republished, dTag)
		changed = true
	}

	if changed {
		if err := f.appdata.PutMailboxMeta(meta); err != nil {
			return result, err
		}
	}
	return result, nil
}

// buildCandidates recomputes the full set of shard plaintexts exactly
// as FlushOne would, without bumping rev, and returns them keyed by
// d-tag alongside the ordered list of d-tags repair should probe for
// scope. Limiting "queue" scope to pending+blob+index keeps a routine
// repair pass cheap; "all" additionally covers history/bucket shards.
func (f *Flusher) buildCandidates(pubkey string, meta store.MailboxMeta, secrets keyderiv.Secrets, scope Scope) (map[string]candidate, []string, error) {
	pending, terminal, blobs, err := f.gather(pubkey, secrets.MB)
	if err != nil {
		return nil, nil, err
	}

	out := map[string]candidate{}
	var order []string

	for _, bj := range blobs {
		for i, part := range bj.parts {
			dTag := blobDTag(secrets.MB, bj.job.ID, i)
			out[dTag] = candidate{plaintext: part, key: secrets.BlobKey}
			order = append(order, dTag)
		}
	}

	pendingPages := splitIntoPages(pending, pendingPageTargetBytes)
	pendingPageIdx := make([]int, 0, len(pendingPages))
	for i, items := range pendingPages {
		dTag := pendingDTag(secrets.MB, i)
		out[dTag] = candidate{plaintext: shardPage[PendingItem]{Items: items}, key: secrets.MailboxKey}
		order = append(order, dTag)
		pendingPageIdx = append(pendingPageIdx, i)
	}

	buckets := groupByBucket(terminal)
	bucketNames := make([]string, 0, len(buckets))
	for bucket := range buckets {
		bucketNames = append(bucketNames, bucket)
	}
	sortStrings(bucketNames)
	reverseStrings(bucketNames) // newest bucket first, per spec.md §4.6's bucket_order:"desc"

	if scope == ScopeAll {
		for bi, bucket := range bucketNames {
			items := buckets[bucket]
			pages := splitIntoPages(items, pendingPageTargetBytes)
			for i, pageItems := range pages {
				dTag := histDTag(secrets.MB, bucket, i)
				out[dTag] = candidate{plaintext: shardPage[TerminalItem]{Items: pageItems}, key: secrets.MailboxKey}
				order = append(order, dTag)
			}
			bDTag := bucketDTag(secrets.MB, bucket)
			doc := BucketDoc{Bucket: bucket, Pages: len(pages), Count: len(items), NextBucket: nextOlderBucket(bucketNames, bi)}
			out[bDTag] = candidate{plaintext: doc, key: secrets.MailboxKey}
			order = append(order, bDTag)
		}
	}

	support, err := f.appdata.GetSupportState(pubkey)
	if err != nil {
		return nil, nil, err
	}
	idx := IndexDoc{
		V:                  1,
		Rev:                meta.Rev,
		Relays:             f.relays,
		PreviewKeyCapsules: meta.PreviewKeyCapsules,
		Counts:             countIndex(pending, terminal),
		Support: IndexSupport{
			ScheduleCount:  support.ScheduleCount,
			FreeUntilCount: support.FreeUntilCount,
			SupporterUntil: support.SupporterUntil,
			GatePrompt:     support.GatePrompt,
		},
		PendingPages: pendingPageIdx,
		BucketOrder:  "desc",
		Buckets:      bucketNames,
	}
	indexD := indexDTag(secrets.MB)
	out[indexD] = candidate{plaintext: idx, key: secrets.MailboxKey}
	order = append(order, indexD)

	return out, order, nil
}

// probe checks whether any relay in the publish set currently holds
// an event for d-tag dTag, within probeTimeout. answered distinguishes
// a genuine negative (every relay reached EOSE with nothing found)
// from the probe simply timing out before any relay responded; only
// the former is trustworthy enough to drive a republish decision, per
// spec.md §4.6's "unknown results are reported but not republished."
func (f *Flusher) probe(ctx context.Context, dTag string) (present bool, answered bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	filter := nostr.Filter{Kinds: []int{30078}, Tags: nostr.TagMap{"d": []string{dTag}}, Limit: 1}
	evt, answered := f.pool.QueryAnswered(probeCtx, f.relays, filter)
	return evt != nil, answered
}

package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/mavilabart/pidgeon/internal/apperr"
	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/store"
)

// itemBlobThresholdBytes is the raw job-payload size above which a
// pending item is sharded out to numbered blob events instead of
// living inline on its pending page.
const itemBlobThresholdBytes = 8 * 1024

// Bucket names used for non-monthly shard rows in mailbox_pages.
const (
	bucketPending = "__pending__"
	bucketIndex   = "__index__"
	bucketIdxFmt  = "__bucketidx__:%s"
)

// userState tracks one user's debounce/backoff bookkeeping. flushMu
// additionally serializes actual flush execution so no two concurrent
// flushes run for the same user (FIFO by construction: a second
// trigger while flushMu is held simply blocks until the first clears).
type userState struct {
	mu      sync.Mutex // guards dirty/timer/backoff below
	flushMu sync.Mutex // serializes FlushOne execution for this user
	dirty   bool
	timer   *time.Timer
	backoff *backoff.ExponentialBackOff
}

func newUserState() *userState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // never give up; caller decides when to stop queuing
	return &userState{backoff: b}
}

// Flusher builds and publishes the encrypted mailbox ledger for every
// user with a dirty bit set, debounced and concurrency-bounded per
// spec.md §4.6/§4.7's "mailbox flush worker pool" design.
type Flusher struct {
	pool         *nostrtransport.Pool
	jobs         *store.JobsStore
	appdata      *store.AppDataStore
	deriver      *keyderiv.Deriver
	dvmSecretHex string
	relays       []string
	debounce     time.Duration
	sem          chan struct{}

	mu    sync.Mutex
	users map[string]*userState

	now func() time.Time
}

// NewFlusher builds a Flusher. workers bounds the number of flushes
// that may run concurrently across all users; debounce is the
// per-user coalescing window before a queued publish actually runs.
func NewFlusher(pool *nostrtransport.Pool, jobs *store.JobsStore, appdata *store.AppDataStore, deriver *keyderiv.Deriver, dvmSecretHex string, relays []string, debounce time.Duration, workers int) *Flusher {
	if workers < 1 {
		workers = 1
	}
	return &Flusher{
		pool:         pool,
		jobs:         jobs,
		appdata:      appdata,
		deriver:      deriver,
		dvmSecretHex: dvmSecretHex,
		relays:       relays,
		debounce:     debounce,
		sem:          make(chan struct{}, workers),
		users:        map[string]*userState{},
		now:          time.Now,
	}
}

func (f *Flusher) userStateFor(pubkey string) *userState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.users[pubkey]
	if !ok {
		st = newUserState()
		f.users[pubkey] = st
	}
	return st
}

// QueueMailboxPublish sets pubkey's dirty bit and (re)arms its
// debounce timer, per the public queueMailboxPublish(pubkey) contract.
func (f *Flusher) QueueMailboxPublish(pubkey string) {
	st := f.userStateFor(pubkey)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dirty = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(f.debounce, func() { f.trigger(pubkey) })
}

func (f *Flusher) trigger(pubkey string) {
	f.sem <- struct{}{}
	go func() {
		defer func() { <-f.sem }()
		f.runOnce(pubkey)
	}()
}

func (f *Flusher) runOnce(pubkey string) {
	st := f.userStateFor(pubkey)

	st.mu.Lock()
	wasDirty := st.dirty
	st.dirty = false
	st.mu.Unlock()
	if !wasDirty {
		return
	}

	st.flushMu.Lock()
	err := f.FlushOne(context.Background(), pubkey)
	st.flushMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.dirty = true
		d := st.backoff.NextBackOff()
		st.timer = time.AfterFunc(d, func() { f.trigger(pubkey) })
		return
	}
	st.backoff.Reset()
}

// FlushAllMailboxes synchronously flushes every currently-dirty user,
// up to deadline, for use during graceful shutdown.
func (f *Flusher) FlushAllMailboxes(deadline time.Duration) {
	f.mu.Lock()
	pubkeys := make([]string, 0, len(f.users))
	for pk, st := range f.users {
		st.mu.Lock()
		dirty := st.dirty
		st.mu.Unlock()
		if dirty {
			pubkeys = append(pubkeys, pk)
		}
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	for _, pk := range pubkeys {
		if ctx.Err() != nil {
			return
		}
		st := f.userStateFor(pk)
		st.flushMu.Lock()
		if err := f.FlushOne(ctx, pk); err == nil {
			st.mu.Lock()
			st.dirty = false
			st.mu.Unlock()
		}
		st.flushMu.Unlock()
	}
}

// FlushOne runs one complete flush for pubkey: gather pending/terminal
// state, short-circuit on an unchanged state hash, otherwise bump and
// persist rev, then publish blobs, pending pages, history pages,
// bucket indices, and the global index, in that order.
func (f *Flusher) FlushOne(ctx context.Context, pubkey string) error {
	secrets, err := f.deriver.Derive(pubkey)
	if err != nil {
		return apperr.TransientIO("mailbox.FlushOne", err)
	}
	dvmPub, err := nostr.GetPublicKey(f.dvmSecretHex)
	if err != nil {
		return apperr.TransientIO("mailbox.FlushOne", err)
	}

	meta, err := f.appdata.GetMailboxMeta(pubkey)
	if err != nil {
		return err
	}
	if meta.LastCreatedAtByDTag == nil {
		meta.LastCreatedAtByDTag = map[string]int64{}
	}

	pending, terminal, blobs, err := f.gather(pubkey, secrets.MB)
	if err != nil {
		return err
	}

	support, err := f.appdata.GetSupportState(pubkey)
	if err != nil {
		return err
	}
	idxSupport := IndexSupport{
		ScheduleCount:  support.ScheduleCount,
		FreeUntilCount: support.FreeUntilCount,
		SupporterUntil: support.SupporterUntil,
		GatePrompt:     support.GatePrompt,
	}

	relaysKey := RelaysKey(f.relays)
	newHash := StateHash(f.relays, meta.PreviewKeyCapsules, idxSupport, pending, terminal)

	if newHash == meta.PublishedHash && relaysKey == meta.PublishedRelaysKey {
		return nil // change-hash short-circuit: nothing to publish, rev unchanged
	}

	nowSec := f.now().Unix()
	meta.Rev++
	if err := f.appdata.PutMailboxMeta(meta); err != nil {
		return err
	}

	b := builder{f: f, pubkey: pubkey, mb: secrets.MB, dvmPub: dvmPub, meta: &meta, relaysChanged: relaysKey != meta.PublishedRelaysKey, nowSec: nowSec}

	for _, blob := range blobs {
		if err := b.publishBlob(ctx, blob, secrets.BlobKey); err != nil {
			return err
		}
	}

	pendingPages := splitIntoPages(pending, pendingPageTargetBytes)
	pendingPageIdx := make([]int, 0, len(pendingPages))
	for i, items := range pendingPages {
		if err := publishPage(ctx, &b, bucketPending, i, items, secrets.MailboxKey); err != nil {
			return err
		}
		pendingPageIdx = append(pendingPageIdx, i)
	}

	buckets := groupByBucket(terminal)
	bucketNames := make([]string, 0, len(buckets))
	for bucket := range buckets {
		bucketNames = append(bucketNames, bucket)
	}
	sortStrings(bucketNames)
	reverseStrings(bucketNames) // newest bucket first, per spec.md §4.6's bucket_order:"desc"

	pageCounts := make([]int, len(bucketNames))
	for bi, bucket := range bucketNames {
		pages := splitIntoPages(buckets[bucket], pendingPageTargetBytes)
		for pi, pageItems := range pages {
			if err := publishPage(ctx, &b, bucket, pi, pageItems, secrets.MailboxKey); err != nil {
				return err
			}
		}
		pageCounts[bi] = len(pages)
	}
	for bi, bucket := range bucketNames {
		if err := b.publishBucketDoc(ctx, bucket, pageCounts[bi], len(buckets[bucket]), nextOlderBucket(bucketNames, bi), secrets.MailboxKey); err != nil {
			return err
		}
	}

	idx := IndexDoc{
		V:                  1,
		Rev:                meta.Rev,
		Relays:             f.relays,
		PreviewKeyCapsules: meta.PreviewKeyCapsules,
		Counts:             countIndex(pending, terminal),
		Support:            idxSupport,
		PendingPages:       pendingPageIdx,
		BucketOrder:        "desc",
		Buckets:            bucketNames,
	}
	if err := b.publishIndex(ctx, idx, secrets.MailboxKey); err != nil {
		return err
	}

	meta.PublishedRev = meta.Rev
	meta.PublishedRelaysKey = relaysKey
	meta.PublishedHash = newHash
	return f.appdata.PutMailboxMeta(meta)
}

func countIndex(pending []PendingItem, terminal []TerminalItem) IndexCounts {
	c := IndexCounts{Pending: len(pending)}
	for _, t := range terminal {
		if t.Status == store.StatusSent {
			c.Sent++
		} else if t.Status == store.StatusError {
			c.Errored++
		}
	}
	return c
}

func groupByBucket(terminal []TerminalItem) map[string][]TerminalItem {
	out := map[string][]TerminalItem{}
	for _, t := range terminal {
		b := monthBucket(t.PostedAt)
		out[b] = append(out[b], t)
	}
	return out
}

// blobJob is one oversized pending item's sharding plan.
type blobJob struct {
	job   store.Job
	item  PendingItem
	parts []string
}

// gather reads every job for pubkey and splits it into the pending
// ledger, terminal history, and any oversized items that need
// blob-sharding instead of living inline on a pending page.
func (f *Flusher) gather(pubkey, mb string) ([]PendingItem, []TerminalItem, []blobJob, error) {
	jobs, err := f.jobs.ListByPubkey(pubkey, "", 5000)
	if err != nil {
		return nil, nil, nil, err
	}

	var pending []PendingItem
	var terminal []TerminalItem
	var blobs []blobJob

	for _, j := range jobs {
		if j.Status == store.StatusScheduled {
			item := PendingItem{ID: j.ID, Kind: j.PayloadKind, ScheduledAt: j.ScheduledAt, Status: j.Status}
			if len(j.Payload) > itemBlobThresholdBytes {
				raw := string(j.Payload)
				parts := splitBlobParts(raw, blobPartTargetBytes)
				item.NoteBlob = &BlobRef{DBase: blobBaseDTag(mb, j.ID), Parts: len(parts), Bytes: len(raw)}
				blobs = append(blobs, blobJob{job: j, item: item, parts: parts})
			} else {
				item.Preview = j.Payload
			}
			pending = append(pending, item)
			continue
		}
		terminal = append(terminal, TerminalItem{ID: j.ID, Kind: j.PayloadKind, Status: j.Status, PostedAt: j.UpdatedAt, LastError: j.LastError})
	}
	return pending, terminal, blobs, nil
}

func blobBaseDTag(mb, noteID string) string { return DTag(mb, fmt.Sprintf("blob:%s", noteID)) }

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// reverseStrings reverses s in place.
func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// nextOlderBucket returns the bucket index should point to from
// bucketNames[i], given bucketNames is ordered newest-to-oldest — the
// next entry in the slice, or "" once i is the oldest bucket.
func nextOlderBucket(bucketNames []string, i int) string {
	if i+1 < len(bucketNames) {
		return bucketNames[i+1]
	}
	return ""
}

// builder carries the per-flush context needed to build, publish, and
// bookkeep a single shard event.
type builder struct {
	f             *Flusher
	pubkey        string
	mb            string
	dvmPub        string
	meta          *store.MailboxMeta
	relaysChanged bool
	nowSec        int64
}

// publishIfChanged builds evt's plaintext, compares its fingerprint
// against the stored page row, and republishes only if the content or
// relay set actually changed, per spec.md §4.6's per-shard rule.
func (b *builder) publishIfChanged(ctx context.Context, dTag, pageKey string, pageNum int, count int, plaintext any, key [32]byte) error {
	fp := fingerprint(plaintext)

	stored, ok, err := b.f.appdata.GetMailboxPage(b.pubkey, pageKey, pageNum)
	if err != nil {
		return err
	}
	if ok && stored.Hash == fp && !b.relaysChanged {
		return nil
	}

	ciphertext, err := nostrtransport.EncryptJSON(plaintext, key)
	if err != nil {
		return apperr.Validation("mailbox.publish", err)
	}
	createdAt := monotonicCreatedAt(b.meta.LastCreatedAtByDTag[dTag], b.nowSec)

	evt := nostr.Event{
		PubKey:    b.dvmPub,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      30078,
		Tags:      nostr.Tags{{"d", dTag}, {"k", "3"}},
		Content:   ciphertext,
	}
	if err := evt.Sign(b.f.dvmSecretHex); err != nil {
		return apperr.TransientIO("mailbox.publish", err)
	}

	results := b.f.pool.Publish(ctx, b.f.relays, evt)
	if !nostrtransport.AnySucceeded(results) {
		return apperr.TransientIO("mailbox.publish", fmt.Errorf("no relay acknowledged %s: %s", dTag, nostrtransport.Summary(results)))
	}

	b.meta.LastCreatedAtByDTag[dTag] = createdAt
	return b.f.appdata.PutMailboxPage(store.MailboxPage{Pubkey: b.pubkey, Bucket: pageKey, Page: pageNum, Count: count, Hash: fp})
}

func publishPage[T any](ctx context.Context, b *builder, bucket string, pageNum int, items []T, key [32]byte) error {
	dTag := pendingDTag(b.mb, pageNum)
	if bucket != bucketPending {
		dTag = histDTag(b.mb, bucket, pageNum)
	}
	return b.publishIfChanged(ctx, dTag, bucket, pageNum, len(items), shardPage[T]{Items: items}, key)
}

func (b *builder) publishBucketDoc(ctx context.Context, bucket string, pages, count int, nextBucket string, key [32]byte) error {
	dTag := bucketDTag(b.mb, bucket)
	doc := BucketDoc{Bucket: bucket, Pages: pages, Count: count, NextBucket: nextBucket}
	pageKey := fmt.Sprintf(bucketIdxFmt, bucket)
	return b.publishIfChanged(ctx, dTag, pageKey, 0, count, doc, key)
}

func (b *builder) publishIndex(ctx context.Context, idx IndexDoc, key [32]byte) error {
	dTag := indexDTag(b.mb)
	return b.publishIfChanged(ctx, dTag, bucketIndex, 0, idx.Counts.Pending, idx, key)
}

func (b *builder) publishBlob(ctx context.Context, bj blobJob, key [32]byte) error {
	for i, part := range bj.parts {
		dTag := blobDTag(b.mb, bj.job.ID, i)
		if err := b.publishIfChanged(ctx, dTag, fmt.Sprintf("__blob__:%s", bj.job.ID), i, len(part), part, key); err != nil {
			return err
		}
	}
	fp := fingerprint(bj.parts)
	return b.f.appdata.PutMailboxBlob(store.MailboxBlob{Pubkey: b.pubkey, NoteID: bj.job.ID, Parts: len(bj.parts), Bytes: bj.item.NoteBlob.Bytes, Hash: fp})
}

func monotonicCreatedAt(last, now int64) int64 {
	if now <= last {
		return last + 1
	}
	return now
}

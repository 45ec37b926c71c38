// Package mailbox builds and publishes each user's encrypted job
// ledger: a set of kind-30078 parameterized-replaceable "shard" events
// a client can reconstruct its queue/history/state from without ever
// calling the DVM directly.
package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// Shard kinds used in d-tags, per spec.md §4.6.
const (
	shardIndex  = "index"
	shardPendingFmt = "pending:%d"
	shardBlobFmt    = "blob:%s:%d"
	shardHistFmt    = "hist:%s:%d"
	shardBucketFmt  = "bucket:%s"
)

const dTagPrefix = "pidgeon:v3:mb"

// DTag builds the stable d-tag for a shard: pidgeon:v3:mb:<mb>:<suffix>.
func DTag(mb, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", dTagPrefix, mb, suffix)
}

func pendingDTag(mb string, page int) string { return DTag(mb, fmt.Sprintf(shardPendingFmt, page)) }
func blobDTag(mb, noteID string, part int) string {
	return DTag(mb, fmt.Sprintf(shardBlobFmt, noteID, part))
}
func histDTag(mb, bucket string, page int) string {
	return DTag(mb, fmt.Sprintf(shardHistFmt, bucket, page))
}
func bucketDTag(mb, bucket string) string { return DTag(mb, fmt.Sprintf(shardBucketFmt, bucket)) }
func indexDTag(mb string) string          { return DTag(mb, shardIndex) }

// Size limits per spec.md §4.6's size-adaptation rule.
const (
	pendingPageTargetBytes = 24 * 1024
	blobPartTargetBytes    = 16 * 1024
	hardEventCapBytes      = 48 * 1024
	maxShardRetries        = 6
)

// PendingItem is one queued job as it appears on a pending page.
type PendingItem struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"` // "note" | "dm17"
	ScheduledAt int64           `json:"scheduledAt"`
	Status      string          `json:"status"`
	Preview     json.RawMessage `json:"preview,omitempty"`
	NoteBlob    *BlobRef        `json:"noteBlob,omitempty"`
}

// BlobRef is the compact stub a pending item carries when its full
// content was sharded out to blob events.
type BlobRef struct {
	DBase string `json:"dBase"`
	Parts int    `json:"parts"`
	Bytes int    `json:"bytes"`
}

// TerminalItem is one finished job as it appears on a history page.
type TerminalItem struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"` // sent | error | canceled
	PostedAt  int64  `json:"postedAt"`
	LastError string `json:"lastError,omitempty"`
}

// BucketDoc is the plaintext of one history bucket's `:bucket:<YYYY-MM>`
// shard: its page count, item count, and a pointer to the next older
// bucket so a client can walk history backward without re-reading the
// index, per spec.md §4.6's bucket-index requirement.
type BucketDoc struct {
	Bucket     string `json:"bucket"`
	Pages      int    `json:"pages"`
	Count      int    `json:"count"`
	NextBucket string `json:"next_bucket,omitempty"`
}

// IndexDoc is the plaintext of the global `:index` shard.
type IndexDoc struct {
	V                  int             `json:"v"`
	Rev                int64           `json:"rev"`
	Relays             []string        `json:"relays"`
	PreviewKeyCapsules json.RawMessage `json:"previewKeyCapsules,omitempty"`
	Counts             IndexCounts     `json:"counts"`
	Support            IndexSupport    `json:"support"`
	PendingPages       []int           `json:"pending_pages"`
	BucketOrder        string          `json:"bucket_order"`
	Buckets            []string        `json:"buckets"`
}

// IndexCounts summarizes queue sizes for a quick client-side glance.
type IndexCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Errored int `json:"errored"`
}

// IndexSupport is the support-state snapshot embedded in the index.
type IndexSupport struct {
	ScheduleCount  int64  `json:"scheduleCount"`
	FreeUntilCount int64  `json:"freeUntilCount"`
	SupporterUntil int64  `json:"supporterUntil"`
	GatePrompt     string `json:"gatePrompt,omitempty"`
}

// shardPage is a generic paginated shard's plaintext content.
type shardPage[T any] struct {
	Items []T `json:"items"`
}

// splitIntoPages packs items into pages under targetBytes per page,
// shrinking the target by 0.7x and retrying up to maxShardRetries
// times while any packed page would still exceed hardEventCapBytes;
// the final fallback is one item per page regardless of size.
func splitIntoPages[T any](items []T, targetBytes int) [][]T {
	if len(items) == 0 {
		return nil
	}

	target := targetBytes
	for attempt := 0; attempt < maxShardRetries; attempt++ {
		pages := packPages(items, target)
		if pagesFitCap(pages) {
			return pages
		}
		target = int(float64(target) * 0.7)
	}
	// Pathological fallback: one item per page.
	out := make([][]T, len(items))
	for i, it := range items {
		out[i] = []T{it}
	}
	return out
}

func packPages[T any](items []T, target int) [][]T {
	var pages [][]T
	var cur []T
	curBytes := 0
	for _, it := range items {
		b, _ := json.Marshal(it)
		itemBytes := len(b)
		if len(cur) > 0 && curBytes+itemBytes > target {
			pages = append(pages, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, it)
		curBytes += itemBytes
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

func pagesFitCap[T any](pages [][]T) bool {
	for _, p := range pages {
		b, _ := json.Marshal(shardPage[T]{Items: p})
		if len(b) > hardEventCapBytes {
			return false
		}
	}
	return true
}

// splitBlobParts splits raw (already-JSON-encoded note content+tags)
// into UTF-8-safe chunks of at most partBytes.
func splitBlobParts(raw string, partBytes int) []string {
	if partBytes <= 0 {
		partBytes = blobPartTargetBytes
	}
	var parts []string
	for len(raw) > 0 {
		n := partBytes
		if n >= len(raw) {
			n = len(raw)
		} else {
			for n > 0 && !utf8.RuneStart(raw[n]) {
				n--
			}
			if n == 0 {
				_, n = utf8.DecodeRuneInString(raw)
			}
		}
		parts = append(parts, raw[:n])
		raw = raw[n:]
	}
	return parts
}

// fingerprint returns a short deterministic hash of v's JSON encoding,
// used to decide whether a shard needs republishing.
func fingerprint(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StateHash computes the deterministic flush-decision hash over
// everything a flush would publish: relay set, preview capsules,
// support snapshot, and every pending/terminal job fingerprint, per
// spec.md §4.6's "recompute deterministic state hash" rule.
func StateHash(relays []string, capsules json.RawMessage, support IndexSupport, pending []PendingItem, terminal []TerminalItem) string {
	sortedRelays := append([]string(nil), relays...)
	sort.Strings(sortedRelays)

	type input struct {
		Relays   []string        `json:"relays"`
		Capsules json.RawMessage `json:"capsules,omitempty"`
		Support  IndexSupport    `json:"support"`
		Pending  []PendingItem   `json:"pending"`
		Terminal []TerminalItem  `json:"terminal"`
	}
	return fingerprint(input{
		Relays:   sortedRelays,
		Capsules: capsules,
		Support:  support,
		Pending:  pending,
		Terminal: terminal,
	})
}

// RelaysKey returns a stable serialization of a relay set for
// publishedRelaysKey comparisons.
func RelaysKey(relays []string) string {
	sorted := append([]string(nil), relays...)
	sort.Strings(sorted)
	b, _ := json.Marshal(sorted)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// monthBucket returns the UTC YYYY-MM bucket for a unix-seconds time.
func monthBucket(unixSec int64) string {
	return time.Unix(unixSec, 0).UTC().Format("2006-01")
}

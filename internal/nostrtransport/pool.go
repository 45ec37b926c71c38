// Package nostrtransport wraps the relay pool, NIP-59 gift-wrap
// construction/unwrap, and relay-URL validation that every other
// component uses to talk to Nostr relays. The DVM signs and encrypts
// with per-user derived sub-keys rather than a single local identity,
// so the wrap/unwrap here is written directly against nip44's
// Encrypt/Decrypt instead of the higher-level nip17/nip59 convenience
// wrappers (which assume one nostr.Keyer per conversation).
package nostrtransport

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Pool is a thin wrapper around nostr.SimplePool adding the per-relay
// publish timeout and result-collecting helpers Pidgeon's components share.
type Pool struct {
	sp *nostr.SimplePool
}

// NewPool builds a Pool around a fresh nostr.SimplePool.
func NewPool() *Pool {
	return &Pool{sp: nostr.NewSimplePool(context.Background())}
}

// Raw exposes the underlying SimplePool for callers (subscriptions)
// that need its full surface.
func (p *Pool) Raw() *nostr.SimplePool { return p.sp }

// PublishResult is one relay's outcome of a publish attempt.
type PublishResult struct {
	Relay string
	OK    bool
	Err   error
}

// Publish broadcasts evt to every relay in relays concurrently and
// waits for every attempt to settle (or ctx to expire), returning one
// PublishResult per relay. Mirrors the teacher's publish-then-drain-
// channel pattern (publishProfileCmd, publishChannelMessage) but
// collects results instead of discarding them, since the publisher
// needs per-relay acknowledgment to decide job status.
func (p *Pool) Publish(ctx context.Context, relays []string, evt nostr.Event) []PublishResult {
	results := make([]PublishResult, 0, len(relays))
	type res struct {
		relay string
		err   error
	}
	ch := make(chan res, len(relays))

	for _, url := range relays {
		url := url
		go func() {
			r, err := p.sp.EnsureRelay(url)
			if err != nil {
				ch <- res{relay: url, err: err}
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			err = r.Publish(pubCtx, evt)
			ch <- res{relay: url, err: err}
		}()
	}

	for range relays {
		r := <-ch
		results = append(results, PublishResult{Relay: r.relay, OK: r.err == nil, Err: r.err})
	}
	return results
}

// AnySucceeded reports whether at least one PublishResult succeeded.
func AnySucceeded(results []PublishResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

// AckedRelays returns the subset of relays that acknowledged.
func AckedRelays(results []PublishResult) []string {
	var out []string
	for _, r := range results {
		if r.OK {
			out = append(out, r.Relay)
		}
	}
	return out
}

// Summary renders a compact per-relay outcome string for persistence
// on a Job's lastError/status-detail field.
func Summary(results []PublishResult) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "; "
		}
		if r.OK {
			out += r.Relay + "=ok"
		} else {
			out += r.Relay + "=" + r.Err.Error()
		}
	}
	return out
}

// Subscribe opens a multi-relay subscription for filter and returns
// the raw event channel from the underlying pool, mirroring
// subscribeDMCmd's pool.SubscribeMany usage.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) chan nostr.RelayEvent {
	return p.sp.SubscribeMany(ctx, relays, filter)
}

// QuerySingle fetches the first matching event for filter across relays.
func (p *Pool) QuerySingle(ctx context.Context, relays []string, filter nostr.Filter) *nostr.RelayEvent {
	return p.sp.QuerySingle(ctx, relays, filter)
}

// QueryAnswered fetches the first matching event for filter across
// relays, additionally reporting whether every relay actually
// responded (with a match or a genuine EOSE) before ctx expired.
// answered is false when ctx ends before every relay has finished its
// round trip (and no match arrived first), and true when the subscription drained
// normally — whether or not a match was found. Callers that need to
// tell "confirmed absent" apart from "nobody answered" (e.g. mailbox
// repair's probe) use answered; QuerySingle's plain nil can't make
// that distinction.
func (p *Pool) QueryAnswered(ctx context.Context, relays []string, filter nostr.Filter) (found *nostr.Event, answered bool) {
	ch := p.sp.SubManyEose(ctx, relays, filter)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil, true // channel closed: every relay reached EOSE, none matched
			}
			if evt.Event != nil {
				return evt.Event, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}

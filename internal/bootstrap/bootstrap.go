// Package bootstrap publishes the DVM's discoverable identity at
// startup — profile, relay list, and NIP-89 handler info — and probes
// the configured indexer relays for basic reachability before the
// publisher ever relies on them to resolve repost targets.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/mavilabart/pidgeon/internal/intake"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
)

const handlerInfoDTag = "pidgeon-dvm"

// supportedInboundKinds are the inner rumor kinds the DVM's intake
// pipeline dispatches on, published as k-tags on the handler-info
// event per spec.md §6.
var supportedInboundKinds = []int{
	intake.KindMasterRequest,
	intake.KindScheduleNote,
	intake.KindScheduleDM,
	intake.KindRetryDM,
	intake.KindMailboxRepair,
	intake.KindSupportAction,
}

// Profile is the kind-0 metadata content, per spec.md §6.
type Profile struct {
	Name    string
	About   string
	Picture string
}

// Bootstrapper publishes the DVM's announce events at process start.
type Bootstrapper struct {
	dvmSecretHex string
	profile      Profile
	relays       []string
	indexerRelays []string

	pool *nostrtransport.Pool
	log  zerolog.Logger
}

// New builds a Bootstrapper. relays is the DVM's own announced relay
// set (published in the kind-10002 list and used as the last-resort
// repost-resolution source); indexerRelays are probed for reachability.
func New(dvmSecretHex string, profile Profile, relays, indexerRelays []string, pool *nostrtransport.Pool, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		dvmSecretHex:  dvmSecretHex,
		profile:       profile,
		relays:        relays,
		indexerRelays: indexerRelays,
		pool:          pool,
		log:           log.With().Str("component", "bootstrap").Logger(),
	}
}

// PublishAll publishes the profile, relay list, and handler-info
// events to the DVM's own relay set. Each publish failure is logged
// and does not abort the others or the boot sequence — these are
// discoverability aids, not correctness-critical state.
func (b *Bootstrapper) PublishAll(ctx context.Context) {
	b.publishProfile(ctx)
	b.publishRelayList(ctx)
	b.publishHandlerInfo(ctx)
}

func (b *Bootstrapper) publishProfile(ctx context.Context) {
	content, err := json.Marshal(map[string]string{
		"name":    b.profile.Name,
		"about":   b.profile.About,
		"picture": b.profile.Picture,
	})
	if err != nil {
		b.log.Error().Err(err).Msg("bootstrap: marshal profile")
		return
	}
	b.signAndPublish(ctx, nostr.Event{Kind: 0, Tags: nostr.Tags{}, Content: string(content)}, "profile")
}

func (b *Bootstrapper) publishRelayList(ctx context.Context) {
	tags := make(nostr.Tags, 0, len(b.relays))
	for _, r := range b.relays {
		tags = append(tags, nostr.Tag{"r", r})
	}
	b.signAndPublish(ctx, nostr.Event{Kind: 10002, Tags: tags, Content: ""}, "relay list")
}

func (b *Bootstrapper) publishHandlerInfo(ctx context.Context) {
	tags := nostr.Tags{{"d", handlerInfoDTag}}
	for _, k := range supportedInboundKinds {
		tags = append(tags, nostr.Tag{"k", fmt.Sprint(k)})
	}
	content, err := json.Marshal(map[string]any{
		"name":  b.profile.Name,
		"about": b.profile.About,
	})
	if err != nil {
		b.log.Error().Err(err).Msg("bootstrap: marshal handler info")
		return
	}
	b.signAndPublish(ctx, nostr.Event{Kind: 31990, Tags: tags, Content: string(content)}, "handler info")
}

func (b *Bootstrapper) signAndPublish(ctx context.Context, evt nostr.Event, label string) {
	evt.CreatedAt = nostr.Now()
	pub, err := nostr.GetPublicKey(b.dvmSecretHex)
	if err != nil {
		b.log.Error().Err(err).Str("event", label).Msg("bootstrap: derive pubkey")
		return
	}
	evt.PubKey = pub
	evt.ID = evt.GetID()
	if err := evt.Sign(b.dvmSecretHex); err != nil {
		b.log.Error().Err(err).Str("event", label).Msg("bootstrap: sign")
		return
	}

	results := b.pool.Publish(ctx, b.relays, evt)
	if !nostrtransport.AnySucceeded(results) {
		b.log.Warn().Str("event", label).Str("summary", nostrtransport.Summary(results)).Msg("bootstrap: publish failed on every relay")
		return
	}
	b.log.Info().Str("event", label).Str("summary", nostrtransport.Summary(results)).Msg("bootstrap: published")
}

// ProbeIndexers establishes a connection to every configured indexer
// relay and returns the subset that accepted it. The publisher's
// kind-6 target resolution falls back to this set, so an indexer that
// cannot even complete a websocket handshake is worse than useless —
// dropping it here avoids paying its probe timeout on every repost.
func (b *Bootstrapper) ProbeIndexers() []string {
	var reachable []string
	for _, url := range b.indexerRelays {
		if _, err := b.pool.Raw().EnsureRelay(url); err != nil {
			b.log.Warn().Err(err).Str("relay", url).Msg("bootstrap: indexer relay unreachable, dropping")
			continue
		}
		reachable = append(reachable, url)
	}
	return reachable
}
